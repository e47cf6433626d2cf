// Package domain – payload candidates and the payload id codec.
package domain

import (
	"errors"
	"strings"
)

// ErrInvalidCandidate is returned when a candidate fails shape validation
// (blank metadata or data identifier). Validation happens before any
// database lookup.
var ErrInvalidCandidate = errors.New("candidate must have metadata_id and data_id")

// PayloadCandidate identifies one candidate payload produced by discovery:
// a metadata id plus a data id.
type PayloadCandidate struct {
	MetadataID string `json:"metadata_id"`
	DataID     string `json:"data_id"`
}

// Validate rejects candidates with a blank metadata or data id.
func (c PayloadCandidate) Validate() error {
	if strings.TrimSpace(c.MetadataID) == "" || strings.TrimSpace(c.DataID) == "" {
		return ErrInvalidCandidate
	}
	return nil
}

// PayloadID encodes the candidate as the "metadataId,dataId" composite used
// by LoadSessionPayload and the remote queue table.
func (c PayloadCandidate) PayloadID() string {
	return c.MetadataID + "," + c.DataID
}

// SplitPayloadID decodes a "metadataId,dataId" composite. It returns an
// error for anything that does not contain both parts.
func SplitPayloadID(id string) (metadataID, dataID string, err error) {
	parts := strings.SplitN(id, ",", 2)
	if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", errors.New("invalid payload id format")
	}
	return parts[0], parts[1], nil
}

// Actor carries the identity and privilege of the caller for visibility
// scoping. It is passed explicitly into services instead of being read from
// ambient request state.
type Actor struct {
	Username string
	Admin    bool
}

// ActorFromRoles builds an Actor, treating ADMIN / ROLE_ADMIN as privileged.
func ActorFromRoles(username string, roles []string) Actor {
	a := Actor{Username: strings.TrimSpace(username)}
	for _, r := range roles {
		switch strings.ToUpper(strings.TrimSpace(r)) {
		case "ADMIN", "ROLE_ADMIN":
			a.Admin = true
		}
	}
	return a
}
