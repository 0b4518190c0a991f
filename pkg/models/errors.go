package models

import (
	"errors"
	"fmt"
)

// Ошибки предметной области. Ожидаемые исходы гонок (NotPending, AlreadyTaken,
// AlreadyClaimed, NotUnlocked, InvalidTransition) не являются сбоями.
var (
	ErrInvalidArgument   = errors.New("некорректный аргумент")
	ErrNotFound          = errors.New("не найдено")
	ErrNotPending        = errors.New("приглашение уже обработано")
	ErrInvalidTransition = errors.New("недопустимый переход статуса")
	ErrAlreadyTaken      = errors.New("приглашение уже принято другим пользователем")
	ErrAlreadyClaimed    = errors.New("награда уже получена")
	ErrNotUnlocked       = errors.New("награда еще не открыта")
	ErrConflict          = errors.New("конфликт состояния")
	ErrPermissionDenied  = errors.New("действие запрещено")
	ErrUnauthenticated   = errors.New("пользователь не авторизован")
	ErrUnavailable       = errors.New("хранилище временно недоступно")
)

// ErrorCode стабильный машинный код ошибки
type ErrorCode string

const (
	CodeOK                ErrorCode = "OK"
	CodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeNotPending        ErrorCode = "INVITATION_NOT_PENDING"
	CodeInvalidTransition ErrorCode = "INVITATION_INVALID_TRANSITION"
	CodeAlreadyTaken      ErrorCode = "INVITATION_ALREADY_TAKEN"
	CodeAlreadyClaimed    ErrorCode = "MILESTONE_ALREADY_CLAIMED"
	CodeNotUnlocked       ErrorCode = "MILESTONE_NOT_UNLOCKED"
	CodeConflict          ErrorCode = "CONFLICT"
	CodePermissionDenied  ErrorCode = "PERMISSION_DENIED"
	CodeUnauthenticated   ErrorCode = "UNAUTHENTICATED"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeInternal          ErrorCode = "INTERNAL"
)

var codes = []struct {
	err  error
	code ErrorCode
}{
	{ErrInvalidArgument, CodeInvalidArgument},
	{ErrNotFound, CodeNotFound},
	{ErrNotPending, CodeNotPending},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrAlreadyTaken, CodeAlreadyTaken},
	{ErrAlreadyClaimed, CodeAlreadyClaimed},
	{ErrNotUnlocked, CodeNotUnlocked},
	{ErrConflict, CodeConflict},
	{ErrPermissionDenied, CodePermissionDenied},
	{ErrUnauthenticated, CodeUnauthenticated},
	{ErrUnavailable, CodeUnavailable},
}

// Code возвращает машинный код ошибки
func Code(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// IsExpectedRace сообщает, является ли ошибка ожидаемым исходом гонки
func IsExpectedRace(err error) bool {
	return errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrAlreadyTaken) ||
		errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrNotUnlocked) ||
		errors.Is(err, ErrInvalidTransition)
}

// Errorf оборачивает сентинел с уточняющим сообщением
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
