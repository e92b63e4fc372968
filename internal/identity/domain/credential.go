package domain

import "time"

// Credential is the single stored secret of a user. Only a one-way hash plus the metadata needed
// to re-derive it is kept; Algo selects the verifier.
type Credential struct {
	UserID    string         `json:"user_id"`
	Algo      string         `json:"algo"`
	Hash      string         `json:"hash"`
	Salt      string         `json:"salt,omitempty"`
	Params    map[string]int `json:"params,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}
