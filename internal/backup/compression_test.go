package backup

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionType_Extension(t *testing.T) {
	assert.Equal(t, "gz", CompressionTypeGzip.Extension())
	assert.Equal(t, "zst", CompressionTypeZstd.Extension())
	assert.Equal(t, "lz4", CompressionTypeLZ4.Extension())
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in      string
		want    CompressionType
		wantErr bool
	}{
		{"", CompressionTypeGzip, false},
		{"gzip", CompressionTypeGzip, false},
		{"GZ", CompressionTypeGzip, false},
		{"zstd", CompressionTypeZstd, false},
		{"lz4", CompressionTypeLZ4, false},
		{"bzip2", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCompressionType(tt.in)
			if tt.wantErr {
				assert.Equal(t, BackupErrorTypeConfiguration, ErrorTypeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompressionManager_StreamRoundTrip(t *testing.T) {
	cm := NewCompressionManager()
	payload := []byte(strings.Repeat("vaultwarden attachment data ", 4096))

	for _, algorithm := range cm.GetSupportedAlgorithms() {
		for _, level := range []int{0, 1, 9, 99} {
			var buf bytes.Buffer
			w, err := cm.NewWriter(&buf, algorithm, level)
			require.NoError(t, err, "%s level %d", algorithm, level)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			assert.Less(t, buf.Len(), len(payload), "%s should shrink repetitive input", algorithm)

			r, err := cm.NewReader(&buf, algorithm)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, payload, got, "%s level %d", algorithm, level)
		}
	}
}

func TestCompressionManager_Unsupported(t *testing.T) {
	cm := NewCompressionManager()
	_, err := cm.NewWriter(io.Discard, CompressionType("brotli"), 1)
	assert.Equal(t, BackupErrorTypeCompression, ErrorTypeOf(err))

	_, err = cm.GetCompressor(CompressionType("brotli"))
	assert.Error(t, err)
}

func TestCompressionManager_SupportedAlgorithmsSorted(t *testing.T) {
	assert.Equal(t,
		[]CompressionType{CompressionTypeGzip, CompressionTypeLZ4, CompressionTypeZstd},
		NewCompressionManager().GetSupportedAlgorithms())
}

func TestCalculateCompressionRatio(t *testing.T) {
	assert.Equal(t, 1.0, CalculateCompressionRatio(0, 10))
	assert.Equal(t, 0.25, CalculateCompressionRatio(400, 100))
}
