package vectorstore

import (
	"database/sql"
	"encoding/binary"
	"math"

	"github.com/andiggi/voidd/internal/verrors"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS chunks (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	content    TEXT NOT NULL,
	start_line INTEGER NOT NULL,
	end_line   INTEGER NOT NULL,
	chunk_type TEXT NOT NULL,
	vector     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);

CREATE TABLE IF NOT EXISTS store_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const metaKeyDimension = "dimension"

func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return verrors.Wrap(verrors.StoreOpen, "apply schema", err)
	}
	return nil
}

// encodeVector packs a []float32 into a little-endian byte blob for storage.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
