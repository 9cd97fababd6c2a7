package engines

import (
	"encoding/hex"
	"io/fs"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// CodeHash is the content address modules are cached under.
func CodeHash(bytecode []byte) string {
	sum := blake2b.Sum256(bytecode)

	return hex.EncodeToString(sum[:])
}

// ModuleFiles lists every .wasm file below dir.
func ModuleFiles(dir string) ([]string, error) {
	var modulesPath []string

	err := filepath.Walk(dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.IsDir() && strings.HasSuffix(info.Name(), ".wasm") {
			modulesPath = append(modulesPath, path)
		}

		return nil
	})

	return modulesPath, err
}
