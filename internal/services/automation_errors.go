package services

import (
	"errors"
	"fmt"
)

var (
	ErrHookNotFound      = errors.New("automation hook not found")
	ErrInvalidHook       = errors.New("invalid automation hook")
	ErrUnsupportedEvent  = errors.New("unsupported trigger event")
	ErrEntityNotFound    = errors.New("entity not found")
	ErrPendingNotFound   = errors.New("pending action not found")
	ErrUnsupportedEntity = errors.New("unsupported entity kind")
)

// ConfigurationError 表示规则配置本身有问题（未知触发器、运算符、动作）
type ConfigurationError struct {
	Kind  string
	Value string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("automation: unknown %s %q", e.Kind, e.Value)
}

// CollaboratorError 表示动作调用外部协作者失败
type CollaboratorError struct {
	Action string
	Err    error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("automation: %s failed: %v", e.Action, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// PersistenceError 表示执行统计写入失败
type PersistenceError struct {
	HookID uint
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("automation: persist hook %d stats: %v", e.HookID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func collaboratorErr(action string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CollaboratorError
	if errors.As(err, &ce) {
		return err
	}
	return &CollaboratorError{Action: action, Err: err}
}
