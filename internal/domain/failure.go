package domain

// FailureKind is the closed taxonomy of application-level request failures.
type FailureKind int

const (
	FailureUnknown FailureKind = iota
	FailureOffTopic
	FailureTokenExpiredOrInvalid
	FailureRateLimited
	FailureQuotaExceeded
	FailureExtensionBlocked
	FailureServerError
	FailureContentFilter
	FailureUnauthorized
	FailureFailedDependency
	FailureValidationFailed
	FailureInvalidPreviousResponseID
	FailureNotFound
	FailureClientNotSupported
	FailureServerCanceled
)

var failureKindNames = map[FailureKind]string{
	FailureUnknown:                   "unknown",
	FailureOffTopic:                  "off_topic",
	FailureTokenExpiredOrInvalid:     "token_expired_or_invalid",
	FailureRateLimited:               "rate_limited",
	FailureQuotaExceeded:             "quota_exceeded",
	FailureExtensionBlocked:          "extension_blocked",
	FailureServerError:               "server_error",
	FailureContentFilter:             "content_filter",
	FailureUnauthorized:              "unauthorized",
	FailureFailedDependency:          "failed_dependency",
	FailureValidationFailed:          "validation_failed",
	FailureInvalidPreviousResponseID: "invalid_previous_response_id",
	FailureNotFound:                  "not_found",
	FailureClientNotSupported:        "client_not_supported",
	FailureServerCanceled:            "server_canceled",
}

func (k FailureKind) String() string {
	if name, ok := failureKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognized names
// decode to FailureUnknown.
func (k *FailureKind) UnmarshalText(text []byte) error {
	for kind, name := range failureKindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	*k = FailureUnknown
	return nil
}
