package protocol

import (
	fserrors "github.com/devrev/pairfs/internal/errors"
)

// ResponseText maps an error to the text a client sees
func ResponseText(err error) string {
	switch fserrors.GetCode(err) {
	case fserrors.ErrCodeOK:
		return StatusOK
	case fserrors.ErrCodeNotFound:
		return TextNotFound
	case fserrors.ErrCodeFileExists:
		return TextExists
	case fserrors.ErrCodeLeaseDenied:
		return TextLocked
	case fserrors.ErrCodeMalformedRequest, fserrors.ErrCodeInvalidFileName, fserrors.ErrCodePayloadTooLarge:
		return "Invalid request: " + err.Error()
	case fserrors.ErrCodeNotPrimary:
		return TextNotPrimary
	case fserrors.ErrCodeDiskFull:
		return TextDiskFull
	case fserrors.ErrCodeUnavailable, fserrors.ErrCodePeerUnreachable:
		return TextUnavailable
	default:
		return "Error: " + err.Error()
	}
}
