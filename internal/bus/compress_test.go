package bus

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressPayload(t *testing.T) {
	large := bytes.Repeat([]byte(`{"stdout":"GigabitEthernet1/0/1 is up, line protocol is up"}`), 200)

	tests := []struct {
		name       string
		data       []byte
		threshold  int
		compressed bool
	}{
		{"disabled", large, 0, false},
		{"below threshold", []byte(`{"ok":true}`), 1024, false},
		{"at threshold", large, len(large), true},
		{"above threshold", large, 1024, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := map[string]string{"x-action-id": "a-1"}
			out, outHdr, err := compressPayload(tt.data, hdr, tt.threshold)
			require.NoError(t, err)

			if !tt.compressed {
				assert.Equal(t, tt.data, out)
				assert.NotContains(t, outHdr, HeaderContentEncoding)
				return
			}
			assert.Less(t, len(out), len(tt.data))
			assert.Equal(t, "zstd", outHdr[HeaderContentEncoding])
			assert.NotContains(t, hdr, HeaderContentEncoding, "caller header is not modified")

			plain, plainHdr, err := decompressPayload(out, outHdr)
			require.NoError(t, err)
			assert.Equal(t, tt.data, plain)
			assert.Equal(t, map[string]string{"x-action-id": "a-1"}, plainHdr)
		})
	}
}

func TestDecompressPayload_Errors(t *testing.T) {
	_, _, err := decompressPayload([]byte("x"), map[string]string{HeaderContentEncoding: "gzip"})
	assert.ErrorContains(t, err, "unsupported content encoding")

	_, _, err = decompressPayload([]byte("not zstd"), map[string]string{HeaderContentEncoding: "zstd"})
	assert.ErrorContains(t, err, "failed to decompress")
}

func TestDecompressPayload_Plain(t *testing.T) {
	data, hdr, err := decompressPayload([]byte("plain"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), data)
	assert.Nil(t, hdr)
}
