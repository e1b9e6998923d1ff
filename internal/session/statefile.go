package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

const (
	stateFileName  = "session_state.json"
	incompleteName = "INCOMPLETE"
)

// StateFile is the crash-recovery snapshot written into the session
// directory. It is written atomically so a crash never leaves a torn file.
type StateFile struct {
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	Dir       string    `json:"dir"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Streams   []string  `json:"streams"`
	UpdatedAt time.Time `json:"updated_at"`
}

// writeStateFile persists the snapshot via temp file and rename.
func writeStateFile(dir string, sf StateFile) error {
	sf.UpdatedAt = time.Now().UTC()
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, stateFileName+".tmp")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, stateFileName))
}

// readStateFile loads the snapshot from a session directory.
func readStateFile(dir string) (StateFile, error) {
	var sf StateFile
	b, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		return sf, err
	}
	err = json.Unmarshal(b, &sf)
	return sf, err
}

// markIncomplete drops the marker that flags an in-flight session. It is
// removed on clean finalization; its presence after a restart means the
// previous run died mid-session.
func markIncomplete(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, incompleteName), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func clearIncomplete(dir string) error {
	err := os.Remove(filepath.Join(dir, incompleteName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// FindIncomplete scans the output root for session directories whose
// INCOMPLETE marker survived, i.e. sessions cut short by a crash or power
// loss. Partial artifacts in those directories are still readable.
func FindIncomplete(root string) ([]StateFile, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []StateFile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, incompleteName)); err != nil {
			continue
		}
		sf, err := readStateFile(dir)
		if err != nil {
			// Marker without a readable snapshot still counts.
			sf = StateFile{Dir: dir, State: "unknown"}
		}
		if sf.Dir == "" {
			sf.Dir = dir
		}
		out = append(out, sf)
	}
	return out, nil
}
