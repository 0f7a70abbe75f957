package services

import (
	"errors"
	"fmt"
)

var (
	// ErrTicketNotFound 工单不存在
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrTicketArchived 已归档工单不可再变更
	ErrTicketArchived = errors.New("ticket is archived")
)

// ArchivedError 对已归档工单执行了变更操作
type ArchivedError struct {
	Op string
}

func (e *ArchivedError) Error() string {
	return fmt.Sprintf("cannot %s archived ticket", e.Op)
}

func (e *ArchivedError) Is(target error) bool {
	return target == ErrTicketArchived
}

// ValidationError 请求内容不合法，未产生任何副作用
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
