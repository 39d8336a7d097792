package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_CarriesMessage(t *testing.T) {
	err := New("contact not found")
	require.NotNil(t, err)
	require.Equal(t, "contact not found", err.Error())
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf("driver %s rejected change %d", "sqlstore", 7)
	require.NotNil(t, err)
	require.Equal(t, "driver sqlstore rejected change 7", err.Error())
}

func TestWrap_PreservesCauseAndAddsContext(t *testing.T) {
	cause := New("connection refused")
	wrapped := Wrap(cause, "dispatch to bridge failed")

	require.Contains(t, wrapped.Error(), "dispatch to bridge failed")
	require.Contains(t, wrapped.Error(), "connection refused")
	require.True(t, Is(wrapped, cause))
}

func TestWrapf_FormatsContext(t *testing.T) {
	cause := New("timeout")
	wrapped := Wrapf(cause, "bridge %q unreachable after %d attempts", "http-bridge", 3)

	require.Contains(t, wrapped.Error(), `bridge "http-bridge" unreachable after 3 attempts`)
	require.Contains(t, wrapped.Error(), "timeout")
}

func TestIs_MatchesOnlyTheWrappedCause(t *testing.T) {
	driverErr := New("driver unavailable")
	storageErr := New("storage unavailable")
	wrapped := Wrap(driverErr, "precondition check failed")

	require.True(t, Is(wrapped, driverErr))
	require.False(t, Is(wrapped, storageErr))
	require.False(t, Is(nil, driverErr))
}

type validationError struct {
	field string
}

func (e *validationError) Error() string {
	return "invalid field: " + e.field
}

func TestAs_UnwrapsToConcreteType(t *testing.T) {
	original := &validationError{field: "contactId"}
	wrapped := Wrap(original, "add-contact rejected")

	var target *validationError
	require.True(t, As(wrapped, &target))
	require.Equal(t, "contactId", target.field)
}

func TestWithHint_AttachesUserFacingGuidance(t *testing.T) {
	err := New("circuit open")
	hinted := WithHint(err, "wait for the reset interval and retry")

	hints := GetAllHints(hinted)
	require.Len(t, hints, 1)
	require.Equal(t, "wait for the reset interval and retry", hints[0])
}

func TestWithHintf_FormatsGuidance(t *testing.T) {
	err := New("queue overflow")
	hinted := WithHintf(err, "raise QueueSize above %d", 1000)

	hints := GetAllHints(hinted)
	require.Len(t, hints, 1)
	require.Equal(t, "raise QueueSize above 1000", hints[0])
}

func TestWithDetail_AttachesOperatorContext(t *testing.T) {
	err := New("postcondition failed")
	detailed := WithDetail(err, "group boundary contact count mismatch")

	details := GetAllDetails(detailed)
	require.Len(t, details, 1)
	require.Equal(t, "group boundary contact count mismatch", details[0])
}

func TestError_CarriesStackTrace(t *testing.T) {
	err := New("panic recovered during propagation")

	detailed := fmt.Sprintf("%+v", err)
	require.Contains(t, detailed, "errors_test.go")
}

func TestUnwrap_ReturnsTheWrappedCause(t *testing.T) {
	cause := New("driver error")
	wrapped := Wrap(cause, "kernel dispatch failed")

	require.NotNil(t, Unwrap(wrapped))
}

func TestUnwrapAll_ReturnsTheRootCause(t *testing.T) {
	base := New("storage write failed")
	middle := Wrap(base, "postcondition check failed")
	top := Wrap(middle, "change rejected")

	require.NotEmpty(t, UnwrapAll(top))
}

func TestNilErrorPassesThroughEveryHelper(t *testing.T) {
	require.Nil(t, Wrap(nil, "context"))
	require.Nil(t, Wrapf(nil, "context %d", 1))
	require.Nil(t, WithStack(nil))
	require.Nil(t, WithHint(nil, "hint"))
	require.Nil(t, WithDetail(nil, "detail"))
}

func TestErrorChaining_PreservesEveryLayerAndAnnotation(t *testing.T) {
	base := New("driver unregistered mid-dispatch")

	err := Wrap(base, "fan-out aborted")
	err = WithHint(err, "re-register the driver before retrying")
	err = WithDetail(err, "driver id: http-bridge")
	err = Wrap(err, "ScheduleUpdate failed")

	require.True(t, Is(err, base))
	require.Contains(t, err.Error(), "ScheduleUpdate failed")
	require.Contains(t, err.Error(), "fan-out aborted")
	require.Contains(t, err.Error(), "driver unregistered mid-dispatch")

	require.Contains(t, GetAllHints(err), "re-register the driver before retrying")
	require.Contains(t, GetAllDetails(err), "driver id: http-bridge")
}

func ExampleNew() {
	err := New("group not registered")
	fmt.Println(err)
	// Output: group not registered
}

func ExampleWrap() {
	cause := New("connection refused")
	err := Wrap(cause, "failed to dispatch to bridge")
	fmt.Println(err)
	// Output: failed to dispatch to bridge: connection refused
}

func ExampleWithHint() {
	err := New("circuit open")
	err = WithHint(err, "wait for the reset interval and retry")

	hints := GetAllHints(err)
	fmt.Println(hints[0])
	// Output: wait for the reset interval and retry
}
