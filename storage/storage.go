package storage

import "errors"

var (
	ErrTokenNotFound  = errors.New("access token not found")
	ErrTokenExists    = errors.New("access token already exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrUserExists     = errors.New("user already exists")
	ErrAdminNotFound  = errors.New("admin not found")
	ErrAdminExists    = errors.New("admin already exists")
	ErrSignalNotFound = errors.New("signal not found")
)
