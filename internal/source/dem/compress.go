package dem

import (
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const zstdExt = ".zst"

// zstdFile closes both the decoder and the underlying file.
type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}

// openMaybeCompressed opens path, decompressing it on the fly when it
// ends in .zst.
func openMaybeCompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "dem: open")
	}
	if !strings.HasSuffix(path, zstdExt) {
		return f, nil
	}
	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(0))
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "dem: zstd stream %s", path)
	}
	return zstdFile{Decoder: zr, f: f}, nil
}
