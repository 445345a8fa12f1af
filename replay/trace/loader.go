package trace

import (
	"context"
	"fmt"
	"strings"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/comms-replay/comms-replay/replay/blob"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FilePath resolves the per-rank trace location. With useOneTrace every rank
// reads basePath itself; otherwise rank r reads "<basePath>/rank<r>.json".
func FilePath(basePath string, rank int, useOneTrace bool) string {
	if useOneTrace {
		return basePath
	}
	return fmt.Sprintf("%s/rank%d.json", strings.TrimSuffix(basePath, "/"), rank)
}

// Load fetches the trace at path (local file or scheme URL), decodes the JSON
// array of raw records and normalizes it into canonical OpRecords.
func Load(ctx context.Context, path string) ([]OpRecord, error) {
	data, err := blob.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("trace %s: %d bytes, fingerprint %016x", path, len(data), xxhash.Checksum64(data))

	var raws []RawOp
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrBadTraceFormat, path, err)
	}
	ops, err := Normalize(raws)
	if err != nil {
		return nil, fmt.Errorf("normalizing %s: %w", path, err)
	}
	return ops, nil
}
