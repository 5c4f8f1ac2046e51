package gradient

import (
	"database/sql"
	"fmt"
	"time"

	. "github.com/opencode-lore/lore/internal/logging"
)

// SessionState is the persistent per-session row the transformer reads and
// updates every call (spec §4.6.5, §4.6.10). It survives restarts, unlike
// the in-memory prefix/window caches.
type SessionState struct {
	SessionID              string
	ProjectID               int64
	ForceMinLayer           int
	NeedsUrgentDistillation bool
	LastKnownInput          int
	LastKnownLTM            int
	LastKnownMessageCount   int
	EverCompressed          bool
}

// StateStore persists SessionState and the global calibration EMA.
type StateStore struct {
	db *sql.DB
}

// NewStateStore wraps the shared database for gradient's state tables.
func NewStateStore(db *sql.DB) *StateStore {
	return &StateStore{db: db}
}

// GetSessionState loads a session's state, creating a fresh zero-value row
// (and persisting it) if this session hasn't transformed before.
func (s *StateStore) GetSessionState(sessionID string, projectID int64) (*SessionState, error) {
	row := s.db.QueryRow(`
		SELECT session_id, project_id, force_min_layer, needs_urgent_distillation,
		       last_known_input, last_known_ltm, last_known_message_count, ever_compressed
		FROM session_state WHERE session_id = ?
	`, sessionID)

	var st SessionState
	var urgent, compressed int
	err := row.Scan(&st.SessionID, &st.ProjectID, &st.ForceMinLayer, &urgent,
		&st.LastKnownInput, &st.LastKnownLTM, &st.LastKnownMessageCount, &compressed)
	if err == sql.ErrNoRows {
		st = SessionState{SessionID: sessionID, ProjectID: projectID}
		if err := s.Save(st); err != nil {
			return nil, err
		}
		return &st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session state %s: %w", sessionID, err)
	}
	st.NeedsUrgentDistillation = urgent != 0
	st.EverCompressed = compressed != 0
	return &st, nil
}

// Save upserts a session's state row.
func (s *StateStore) Save(st SessionState) error {
	_, err := s.db.Exec(`
		INSERT INTO session_state (session_id, project_id, force_min_layer, needs_urgent_distillation,
		                            last_known_input, last_known_ltm, last_known_message_count, ever_compressed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			force_min_layer = excluded.force_min_layer,
			needs_urgent_distillation = excluded.needs_urgent_distillation,
			last_known_input = excluded.last_known_input,
			last_known_ltm = excluded.last_known_ltm,
			last_known_message_count = excluded.last_known_message_count,
			ever_compressed = excluded.ever_compressed,
			updated_at = excluded.updated_at
	`, st.SessionID, st.ProjectID, st.ForceMinLayer, boolToInt(st.NeedsUrgentDistillation),
		st.LastKnownInput, st.LastKnownLTM, st.LastKnownMessageCount, boolToInt(st.EverCompressed),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save session state %s: %w", st.SessionID, err)
	}
	return nil
}

// SetForceMinLayer sets the one-shot escalation floor (§4.6.5). The
// orchestrator calls this with 2 when the provider rejects a prompt as too
// long.
func (s *StateStore) SetForceMinLayer(sessionID string, projectID int64, layer int) error {
	st, err := s.GetSessionState(sessionID, projectID)
	if err != nil {
		return err
	}
	st.ForceMinLayer = layer
	return s.Save(*st)
}

// overheadEMA holds the single global calibration row (spec: model-level,
// not per-session).
type overheadEMA struct {
	OverheadEMA float64
	SampleCount int
}

func (s *StateStore) getOverhead() (overheadEMA, error) {
	row := s.db.QueryRow(`SELECT overhead_ema, sample_count FROM calibration WHERE id = 1`)
	var e overheadEMA
	err := row.Scan(&e.OverheadEMA, &e.SampleCount)
	if err == sql.ErrNoRows {
		return overheadEMA{}, nil
	}
	if err != nil {
		return overheadEMA{}, fmt.Errorf("load calibration: %w", err)
	}
	return e, nil
}

// CurrentOverhead returns the calibrated per-turn overhead estimate, or
// FirstTurnOverhead if no calibration sample has ever been recorded.
func (s *StateStore) CurrentOverhead() (int, error) {
	e, err := s.getOverhead()
	if err != nil {
		return 0, err
	}
	if e.SampleCount == 0 {
		return FirstTurnOverhead, nil
	}
	return int(e.OverheadEMA), nil
}

// Calibrate implements spec §4.6.10. actualInput must already include
// cache.read and cache.write token counts — omitting either undercounts on
// cold-cache turns. lastTransformEstimate is the Result.ExpectedInput from
// the transform this response is calibrating against (the compressed
// window's own estimate, never a fresh re-estimate of full history, or
// compressed sessions would wrongly clamp overhead toward 0).
func (s *StateStore) Calibrate(sessionID string, projectID int64, actualInput, compressedCount, ltmTokens, lastTransformEstimate int) error {
	e, err := s.getOverhead()
	if err != nil {
		return err
	}

	sample := actualInput - lastTransformEstimate
	if sample < 0 {
		sample = 0
	}

	if e.SampleCount == 0 {
		e.OverheadEMA = float64(sample)
	} else {
		e.OverheadEMA = 0.7*e.OverheadEMA + 0.3*float64(sample)
	}
	e.SampleCount++

	_, err = s.db.Exec(`
		INSERT INTO calibration (id, overhead_ema, sample_count, updated_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET overhead_ema = excluded.overhead_ema, sample_count = excluded.sample_count, updated_at = excluded.updated_at
	`, e.OverheadEMA, e.SampleCount, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}

	st, err := s.GetSessionState(sessionID, projectID)
	if err != nil {
		return err
	}
	st.LastKnownInput = actualInput
	st.LastKnownLTM = ltmTokens
	st.LastKnownMessageCount = compressedCount
	if err := s.Save(*st); err != nil {
		return err
	}

	L_debug("gradient: calibrated", "session", sessionID, "overheadEMA", e.OverheadEMA, "sample", sample)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
