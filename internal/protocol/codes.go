package protocol

import "strconv"

// Code is a numeric reply code. 2xx replies report success, 5xx rejections.
type Code int

const (
	RplOK           Code = 200
	RplValue        Code = 201
	RplNil          Code = 202
	RplItem         Code = 203
	RplEnd          Code = 204
	RplQueued       Code = 210
	RplMultiStarted Code = 211
	RplMultiRunning Code = 212
	RplMultiReset   Code = 213
	RplLoggedIn     Code = 220
	RplWhoami       Code = 221
	RplStats        Code = 230
	RplSubscribed   Code = 240
	RplUnsubscribed Code = 241
	RplPublished    Code = 242
	RplMonitoring   Code = 250

	ErrUnknownCommand  Code = 501
	ErrNeedMoreParams  Code = 502
	ErrNoPrivileges    Code = 503
	ErrNotRegistered   Code = 504
	ErrHandlerFailed   Code = 505
	ErrMultiActive     Code = 506
	ErrNoMulti         Code = 507
	ErrInputTooLong    Code = 508
	ErrLoginFailed     Code = 509
	ErrFlood           Code = 510
	ErrAlreadyLoggedIn Code = 511
	ErrServerBusy      Code = 512
	ErrInvalidArgument Code = 513
	ErrBackend         Code = 514
)

func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// IsError reports whether c is a rejection.
func (c Code) IsError() bool {
	return c >= 500
}
