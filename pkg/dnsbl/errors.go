package dnsbl

import "errors"

var (
	// ErrInvalidInput is returned for malformed command arguments
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists is returned when adding an exemption for an IP that is already exempt
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned for a missing exemption or an unknown client
	ErrNotFound = errors.New("not found")

	// ErrMalformedAnswer marks a blacklist answer outside 127.0.0.0/8. It is
	// logged, never returned to callers.
	ErrMalformedAnswer = errors.New("malformed blacklist answer")

	// ErrExempt is returned when scanning a client whose address is exempt
	ErrExempt = errors.New("address is exempt")

	// ErrUnsupportedAddress is returned for clients without an IPv4 address
	ErrUnsupportedAddress = errors.New("unsupported address")
)
