package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gateway-fm/vrffulfiller/internal/rpc"
)

func TestClassifySubmitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "nil",
			err:  nil,
			want: nil,
		},
		{
			name: "nonce too low",
			err:  &rpc.RPCError{Code: -32000, Message: "nonce too low"},
			want: ErrTransactionRejected,
		},
		{
			name: "nonce too high",
			err:  &rpc.RPCError{Code: -32000, Message: "Nonce too high"},
			want: ErrTransactionRejected,
		},
		{
			name: "underpriced",
			err:  &rpc.RPCError{Code: -32000, Message: "replacement transaction underpriced"},
			want: ErrTransactionRejected,
		},
		{
			name: "already known",
			err:  &rpc.RPCError{Code: -32000, Message: "already known"},
			want: ErrTransactionRejected,
		},
		{
			name: "insufficient funds",
			err:  &rpc.RPCError{Code: -32000, Message: "insufficient funds for gas * price + value"},
			want: ErrTransactionRejected,
		},
		{
			name: "other rpc error is still a rejection",
			err:  &rpc.RPCError{Code: -32603, Message: "execution reverted"},
			want: ErrTransactionRejected,
		},
		{
			name: "wrapped rpc error",
			err:  fmt.Errorf("call failed: %w", &rpc.RPCError{Code: -32000, Message: "nonce too low"}),
			want: ErrTransactionRejected,
		},
		{
			name: "transport failure",
			err:  errors.New("connection refused"),
			want: ErrNodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifySubmitError(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Errorf("classifySubmitError() = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("classifySubmitError() = %v, want %v", got, tt.want)
			}
			// The raw error must stay inspectable.
			if !errors.Is(got, tt.err) && !errorsAsRPC(got) {
				t.Errorf("classifySubmitError() lost the underlying error: %v", got)
			}
		})
	}
}

func errorsAsRPC(err error) bool {
	var rpcErr *rpc.RPCError
	return errors.As(err, &rpcErr)
}

func TestClassifySubmitErrorContext(t *testing.T) {
	// Context errors pass through untouched so shutdown is not misreported
	// as node unavailability.
	if got := classifySubmitError(context.Canceled); !errors.Is(got, context.Canceled) || errors.Is(got, ErrNodeUnavailable) {
		t.Errorf("classifySubmitError(canceled) = %v", got)
	}
	if got := classifySubmitError(context.DeadlineExceeded); !errors.Is(got, context.DeadlineExceeded) || errors.Is(got, ErrNodeUnavailable) {
		t.Errorf("classifySubmitError(deadline) = %v", got)
	}
}

func TestClassifyQueryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "block range rejected",
			err:  &rpc.RPCError{Code: -32000, Message: "invalid block range params"},
			want: ErrInvalidBlockRange,
		},
		{
			name: "invalid block",
			err:  &rpc.RPCError{Code: -32602, Message: "invalid block number"},
			want: ErrInvalidBlockRange,
		},
		{
			name: "other rpc error",
			err:  &rpc.RPCError{Code: -32000, Message: "server busy"},
			want: ErrNodeUnavailable,
		},
		{
			name: "transport failure",
			err:  errors.New("dial tcp: i/o timeout"),
			want: ErrNodeUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyQueryError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyQueryError() = %v, want %v", got, tt.want)
			}
		})
	}
}
