package engines

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

func TestSnapshot(t *testing.T) {
	encoded, err := EncodeSnapshot("wasmtime", []byte("compiled"))
	assert.NoError(t, err)

	tCases := []struct {
		name            string
		data            []byte
		engine          string
		expectedPayload []byte
		expectedErr     error
	}{
		{
			name:            "same engine",
			data:            encoded,
			engine:          "wasmtime",
			expectedPayload: []byte("compiled"),
		},
		{
			name:        "other engine",
			data:        encoded,
			engine:      "wazero",
			expectedErr: errdefs.ErrConfiguration,
		},
		{
			name:        "malformed data",
			data:        []byte{0xc1},
			engine:      "wasmtime",
			expectedErr: errdefs.ErrConfiguration,
		},
	}

	for _, tCase := range tCases {
		t.Run(tCase.name, func(t *testing.T) {
			payload, err := DecodeSnapshot(tCase.engine, tCase.data)

			if tCase.expectedErr == nil {
				assert.NoError(t, err)
				assert.Equal(t, tCase.expectedPayload, payload)
			} else {
				assert.ErrorIs(t, err, tCase.expectedErr)
			}
		})
	}

	engine, err := SnapshotEngine(encoded)
	assert.NoError(t, err)
	assert.Equal(t, "wasmtime", engine)
}

func TestCodeHash(t *testing.T) {
	first := CodeHash([]byte{0x00, 0x61, 0x73, 0x6d})

	assert.Len(t, first, 64)
	assert.Equal(t, first, CodeHash([]byte{0x00, 0x61, 0x73, 0x6d}))
	assert.NotEqual(t, first, CodeHash([]byte{0x00, 0x61, 0x73, 0x6e}))
}

func TestModuleFiles(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"a.wasm", "nested/b.wasm", "notes.txt"} {
		path := filepath.Join(dir, name)

		assert.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		assert.NoError(t, os.WriteFile(path, []byte{}, 0o600))
	}

	files, err := ModuleFiles(dir)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{filepath.Join(dir, "a.wasm"), filepath.Join(dir, "nested", "b.wasm")}, files)

	_, err = ModuleFiles(filepath.Join(dir, "absent"))
	assert.Error(t, err)
}
