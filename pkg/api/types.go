package api

import "time"

// v0 wire types shared by the server, the client and the CLI.

type SessionStatus string

const (
	StatusCreated    SessionStatus = "created"
	StatusInstalling SessionStatus = "installing"
	StatusComplete   SessionStatus = "complete"
	StatusFailed     SessionStatus = "failed"
)

// Terminal reports whether a session in this status will not change again.
func (s SessionStatus) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Archives  []string      `json:"archives"`
	Installed []UnitResult  `json:"installed"`
	Failed    []UnitResult  `json:"failed"`
	// Error is set when the batch could not be planned.
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type UnitResult struct {
	Name     string   `json:"name"`
	Archive  string   `json:"archive"`
	Packages []string `json:"packages"`
	Error    string   `json:"error,omitempty"`
}

type Dependency struct {
	Kind      string `json:"kind"`
	Value     string `json:"value"`
	Met       bool   `json:"met"`
	Installed bool   `json:"installed"`
}

type Package struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Type         string       `json:"type"`
	Dependencies []Dependency `json:"dependencies"`
}

type UnitSummary struct {
	Archive  string    `json:"archive"`
	Packages []Package `json:"packages"`
}

// Summary is a dry run of a session's batch. Order holds unit names and is
// empty when Error is set.
type Summary struct {
	SessionID string        `json:"session_id"`
	Units     []UnitSummary `json:"units"`
	Order     []string      `json:"order"`
	Error     string        `json:"error,omitempty"`
}

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
