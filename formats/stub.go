package formats

import (
	"bytes"
	"fmt"

	"github.com/floppykit/uft"
	uerrors "github.com/floppykit/uft/errors"
)

// stubPlugin covers formats the tool identifies but cannot yet parse:
// licensed or deeply hardware-specific containers. Probe keeps detection
// honest; Open reports Unsupported so callers get a clear error instead of
// a silent misparse.
type stubPlugin struct {
	name    string
	formats []uft.Format
	magic   []byte
	offset  int
}

func (p *stubPlugin) Name() string          { return p.name }
func (p *stubPlugin) Formats() []uft.Format { return p.formats }
func (p *stubPlugin) Capabilities() uft.Capabilities {
	return 0
}

func (p *stubPlugin) Probe(data []byte) float32 {
	if p.magic == nil {
		return 0
	}
	if p.offset+len(p.magic) <= len(data) &&
		bytes.Equal(data[p.offset:p.offset+len(p.magic)], p.magic) {
		return 0.95
	}
	return 0
}

func (p *stubPlugin) Open(path string, readOnly bool) (*uft.DiskImage, error) {
	return nil, uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
		"%s images are recognized but not yet readable", p.name))
}

func (p *stubPlugin) Save(img *uft.DiskImage, path string) error {
	return uerrors.ErrUnsupported.WithMessage(fmt.Sprintf(
		"writing %s images is not supported", p.name))
}

func init() {
	uft.RegisterPlugin(&stubPlugin{
		name: "ipf", formats: []uft.Format{uft.FormatIPF}, magic: []byte("CAPS")})
	uft.RegisterPlugin(&stubPlugin{
		name: "a2r", formats: []uft.Format{uft.FormatA2R}, magic: []byte("A2R2")})
	uft.RegisterPlugin(&stubPlugin{
		name: "atx", formats: []uft.Format{uft.FormatATX}, magic: []byte("AT8X")})
	uft.RegisterPlugin(&stubPlugin{
		name: "stx", formats: []uft.Format{uft.FormatSTX}, magic: []byte("RX-DOS")})
	uft.RegisterPlugin(&stubPlugin{
		name: "fdi", formats: []uft.Format{uft.FormatFDI}, magic: []byte("Formatted")})
	uft.RegisterPlugin(&stubPlugin{
		name: "scl", formats: []uft.Format{uft.FormatSCL}, magic: []byte("SINCLAIR")})
	uft.RegisterPlugin(&stubPlugin{
		name: "kf-stream", formats: []uft.Format{uft.FormatKFStream},
		magic: []byte("KryoFluxStream"), offset: 0x10})
	uft.RegisterPlugin(&stubPlugin{
		name: "d88", formats: []uft.Format{uft.FormatD88}})
	uft.RegisterPlugin(&stubPlugin{
		name: "mfm", formats: []uft.Format{uft.FormatMFM}})
}
