package engines

import (
	"github.com/pkg/errors"
	"github.com/shamaton/msgpack/v2"

	"github.com/contractvm/wasm-engine/wasm/errdefs"
)

// snapshotVersion changes whenever the payload layout of any engine does.
const snapshotVersion = 1

type snapshot struct {
	Engine  string `msgpack:"engine"`
	Version int    `msgpack:"version"`
	Payload []byte `msgpack:"payload"`
}

// EncodeSnapshot wraps an engine specific payload so it can only be
// restored by the engine that produced it.
func EncodeSnapshot(engine string, payload []byte) ([]byte, error) {
	data, err := msgpack.Marshal(snapshot{Engine: engine, Version: snapshotVersion, Payload: payload})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to encode %s snapshot", engine)
	}

	return data, nil
}

// DecodeSnapshot returns the payload of a snapshot produced by engine.
func DecodeSnapshot(engine string, data []byte) ([]byte, error) {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "malformed snapshot: %v", err)
	}

	if snap.Engine != engine {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "snapshot was produced by %q, not %q", snap.Engine, engine)
	}

	if snap.Version != snapshotVersion {
		return nil, errors.Wrapf(errdefs.ErrConfiguration, "unsupported snapshot version %d", snap.Version)
	}

	return snap.Payload, nil
}

// SnapshotEngine returns the name of the engine that produced a snapshot.
func SnapshotEngine(data []byte) (string, error) {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return "", errors.Wrapf(errdefs.ErrConfiguration, "malformed snapshot: %v", err)
	}

	return snap.Engine, nil
}
