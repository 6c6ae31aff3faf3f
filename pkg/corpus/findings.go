package corpus

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/google/protofuzz/pkg/ferrors"
	"github.com/google/protofuzz/pkg/record"
)

// Finding is a CrashReport (spec §3): one persisted non-PASS result.
type Finding struct {
	ID               string         `json:"id" msgpack:"id"`
	SessionID        string         `json:"session_id" msgpack:"session_id"`
	Timestamp        time.Time      `json:"timestamp" msgpack:"timestamp"`
	Result           record.Result  `json:"result" msgpack:"result"`
	Severity         string         `json:"severity" msgpack:"severity"`
	Error            string         `json:"error" msgpack:"error"`
	AgentTelemetry   map[string]any `json:"agent_telemetry,omitempty" msgpack:"agent_telemetry,omitempty"`
}

// SaveFinding writes a finding's raw input/response plus its JSON and
// msgpack report twins under root/crashes/<finding_id>/ (spec §4.10
// "Findings"). The files are written into a temporary directory under
// root/crashes/ that is renamed to <finding_id> once all of them exist.
func SaveFinding(root string, f Finding, input, response []byte) error {
	crashDir := filepath.Join(root, "crashes")
	if err := os.MkdirAll(crashDir, 0o755); err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "create finding dir")
	}
	dir, err := os.MkdirTemp(crashDir, ".tmp-"+f.ID+"-")
	if err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "create finding dir")
	}
	defer os.RemoveAll(dir)

	if err := writeAtomic(filepath.Join(dir, "input.bin"), input); err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "write input.bin")
	}
	if response != nil {
		if err := writeAtomic(filepath.Join(dir, "response.bin"), response); err != nil {
			return ferrors.Wrap(ferrors.KindFindingSave, err, "write response.bin")
		}
	}

	reportJSON, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "marshal report.json")
	}
	if err := writeAtomic(filepath.Join(dir, "report.json"), reportJSON); err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "write report.json")
	}

	reportMsgpack, err := msgpack.Marshal(f)
	if err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "marshal report.msgpack")
	}
	if err := writeAtomic(filepath.Join(dir, "report.msgpack"), reportMsgpack); err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "write report.msgpack")
	}
	if err := os.Rename(dir, filepath.Join(crashDir, f.ID)); err != nil {
		return ferrors.Wrap(ferrors.KindFindingSave, err, "publish finding dir")
	}
	return nil
}
