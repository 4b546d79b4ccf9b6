package host

import (
	"fmt"

	"superd/internal/fault"
)

// FTPUser is the metadata record of a virtual FTP account.
type FTPUser struct {
	Username string `json:"username"`
	Homedir  string `json:"homedir"`
}

// CreateFTPUser records an FTP account and makes sure its home directory
// exists. The home directory must lie inside the sandbox.
func (h *Host) CreateFTPUser(username, homedir string) (string, error) {
	if err := checkRecordName(username); err != nil {
		return "", err
	}
	resolved, err := h.sandbox.Resolve(homedir)
	if err != nil {
		return "", err
	}

	if err := h.ftpUsers.put(username, FTPUser{Username: username, Homedir: resolved}); err != nil {
		return "", err
	}
	if err := h.fs.MkdirAll(resolved, 0755); err != nil {
		return "", fault.Wrap(fault.Internal, err, fmt.Sprintf("Failed to create homedir %s: %v", resolved, err))
	}

	h.logger.Info("ftp user created", "username", username, "homedir", resolved)
	return fmt.Sprintf("FTP user %s created with homedir %s", username, resolved), nil
}

// DeleteFTPUser removes the account record if present.
func (h *Host) DeleteFTPUser(username string) (string, error) {
	if err := h.ftpUsers.remove(username); err != nil {
		return "", err
	}
	h.logger.Info("ftp user deleted", "username", username)
	return fmt.Sprintf("FTP user %s deleted", username), nil
}

// ListFTPUsers returns the recorded FTP account names.
func (h *Host) ListFTPUsers() ([]string, error) {
	return h.ftpUsers.list()
}

// Mailbox is the metadata record of an email account.
type Mailbox struct {
	Email   string `json:"email"`
	QuotaMB uint64 `json:"quota_mb"`
}

// UpdateEmailAccount creates or replaces a mailbox record.
func (h *Host) UpdateEmailAccount(email string, quotaMB uint64) (string, error) {
	if err := h.mailboxes.put(email, Mailbox{Email: email, QuotaMB: quotaMB}); err != nil {
		return "", err
	}
	h.logger.Info("email account updated", "email", email, "quota_mb", quotaMB)
	return fmt.Sprintf("Email account %s updated (quota: %dMB)", email, quotaMB), nil
}

// DeleteEmailAccount removes a mailbox record if present.
func (h *Host) DeleteEmailAccount(email string) (string, error) {
	if err := h.mailboxes.remove(email); err != nil {
		return "", err
	}
	h.logger.Info("email account deleted", "email", email)
	return fmt.Sprintf("Email account %s deleted", email), nil
}
