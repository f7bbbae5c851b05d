package rpmcrypto

import (
	"os"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/errors"

	tdnf "github.com/opentdnf/tdnf-go"
)

// Keyring holds the imported GPG public keys, one EntityList per repository
// (a repo's gpgkey= URLs may import more than one key).
type Keyring interface {
	// EntitiesFor returns the imported keys for repoID, or nil if none have
	// been imported yet.
	EntitiesFor(repoID string) openpgp.EntityList
	// Import adds a key (read from an already-downloaded gpgkey file) to
	// repoID's keyring.
	Import(repoID string, armored []byte) error
}

// VerifyDetachedSignature checks that sigPath is a valid detached signature
// over dataPath by some key in repoID's keyring.
//
// A missing key returns [tdnf.ErrNoKey] (the caller, C11 step 3, is
// responsible for prompting to import from the repo's gpgkey URLs and
// retrying); any other verification failure returns [tdnf.ErrBadSignature].
func (s *Service) VerifyDetachedSignature(dataPath, sigPath, repoID string) error {
	if s.keyring == nil {
		return &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "rpmcrypto.VerifyDetachedSignature", Inner: tdnf.ErrNoKey, Message: "no keyring configured"}
	}
	entities := s.keyring.EntitiesFor(repoID)
	if len(entities) == 0 {
		return &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "rpmcrypto.VerifyDetachedSignature", Inner: tdnf.ErrNoKey, Message: repoID}
	}

	data, err := os.Open(dataPath)
	if err != nil {
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "rpmcrypto.VerifyDetachedSignature", Inner: err, Message: dataPath}
	}
	defer data.Close()
	sig, err := os.Open(sigPath)
	if err != nil {
		return &tdnf.Error{Kind: tdnf.ErrIO, Op: "rpmcrypto.VerifyDetachedSignature", Inner: err, Message: sigPath}
	}
	defer sig.Close()

	if _, err := openpgp.CheckArmoredDetachedSignature(entities, data, sig, nil); err != nil {
		if err == errors.ErrUnknownIssuer {
			return &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "rpmcrypto.VerifyDetachedSignature", Inner: tdnf.ErrNoKey, Message: repoID}
		}
		return &tdnf.Error{Kind: tdnf.ErrIntegrity, Op: "rpmcrypto.VerifyDetachedSignature", Inner: tdnf.ErrBadSignature, Message: err.Error()}
	}
	return nil
}
