package interaction

import (
	"fmt"
	"os"
	"strings"

	tokens "oidcgw/internal/security/token"
)

const defaultToSText = `Terms of Service

By continuing you agree to use this service responsibly and accept that
activity may be recorded for audit purposes.`

const defaultApprovalText = `Your account is awaiting approval.

An administrator has to approve your account before you can sign in to
this application. Please try again later.`

// Texts holds the user-facing documents rendered during the ToS and
// approval prompts. The ToS fingerprint pins which version of the text a
// user accepted.
type Texts struct {
	ToS                 string
	ToSFingerprint      string
	Approval            string
	ApprovalFingerprint string
}

// LoadTexts reads the documents from disk, falling back to built-in
// defaults when a path is empty.
func LoadTexts(tosPath, approvalPath string) (*Texts, error) {
	tos, err := readText(tosPath, defaultToSText)
	if err != nil {
		return nil, fmt.Errorf("tos text: %w", err)
	}
	approval, err := readText(approvalPath, defaultApprovalText)
	if err != nil {
		return nil, fmt.Errorf("approval text: %w", err)
	}
	return &Texts{
		ToS:                 tos,
		ToSFingerprint:      tokens.SHA256Hex(tos),
		Approval:            approval,
		ApprovalFingerprint: tokens.SHA256Hex(approval),
	}, nil
}

func readText(path, fallback string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return fallback, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
