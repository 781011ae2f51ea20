package service

import "errors"

var (
	ErrCounterUnavailable = errors.New("counter store unavailable")
	ErrReportNotFound     = errors.New("report not found")
	ErrInvalidPeriod      = errors.New("invalid period")
)
