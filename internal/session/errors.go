package session

import "errors"

var (
	ErrNoSuchGroup      = errors.New("no such group")
	ErrNotOwner         = errors.New("not the group owner")
	ErrAlreadyMember    = errors.New("already a member")
	ErrNoPendingRequest = errors.New("no pending join request")
)
