package rpcserver

import (
	"strings"

	"github.com/google/uuid"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
)

const (
	maxLabelLen = 64
	maxVenueLen = 32
)

// normalizeUserID treats "" and the all-zero UUID as absent.
func normalizeUserID(raw string) (uuid.UUID, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return uuid.Nil, false, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, workerErrors.InvalidInput("user_id", "not a valid UUID")
	}
	if id == uuid.Nil {
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func validateVenueID(venue string) error {
	venue = strings.TrimSpace(venue)
	if venue == "" {
		return workerErrors.MissingParameter("venue_id")
	}
	if len(venue) > maxVenueLen {
		return workerErrors.InvalidInput("venue_id", "exceeds maximum length")
	}
	return nil
}

// validateOptionalVenueID accepts an empty venue as "all venues for this
// user" while still rejecting an over-length one.
func validateOptionalVenueID(venue string) error {
	if strings.TrimSpace(venue) == "" {
		return nil
	}
	return validateVenueID(venue)
}

func validateLabel(label string) error {
	if len(label) > maxLabelLen {
		return workerErrors.InvalidInput("label", "exceeds maximum length")
	}
	return nil
}

func validateCreateUserConnection(req CreateUserConnectionRequest) error {
	if err := validateVenueID(req.VenueID); err != nil {
		return err
	}
	if err := validateLabel(req.Label); err != nil {
		return err
	}
	if strings.TrimSpace(req.Key) == "" {
		return workerErrors.MissingParameter("key")
	}
	if strings.TrimSpace(req.Secret) == "" {
		return workerErrors.MissingParameter("secret")
	}
	return nil
}

func validateTimeRange(since, until int64) error {
	if since != 0 && until != 0 && since > until {
		return workerErrors.InvalidInput("since/until", "since must not be after until")
	}
	return nil
}
