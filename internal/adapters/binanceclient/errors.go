package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"github.com/anujsainicse/scalper-sub000/internal/ports"
)

// Binance error codes that mean the order is already gone.
const (
	codeCancelRejected = -2011 // "Unknown order sent."
	codeOrderNotFound  = -2013
)

// mapError translates go-binance errors into a *ports.AdapterError. The
// wrapped chain is "<op> failed: <sentinel>: <cause>".
func mapError(operation string, err error) *ports.AdapterError {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// Map specific Binance error codes to custom errors
		var mappedErr error
		switch apiErr.Code {
		case -1003, -1015: // Too many requests / too many new orders
			mappedErr = ports.ErrRateLimited
		case -1001, -1007: // Internal error / backend timeout
			mappedErr = ports.ErrExchangeUnavailable
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1022: // Signature for this request is not valid
			mappedErr = ports.ErrAuthenticationFailed
		case -1101, -1102, -1103, -1104, -1105, -1106, -1111, -1115, -1116, -1117, -1120, -1121, -1125, -1127, -1128, -1130: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		case -2010: // New order rejected
			mappedErr = ports.ErrOrderPlacementFailed
		case codeCancelRejected:
			mappedErr = ports.ErrOrderCancelFailed
		case codeOrderNotFound:
			mappedErr = ports.ErrOrderNotFound
		case -2014: // API-key format invalid
			mappedErr = ports.ErrInvalidAPIKeys
		case -2015: // Invalid API-key, IP, or permissions for action
			mappedErr = ports.ErrInvalidAPIKeys
		case -2019, -3005: // Margin is insufficient / insufficient balance
			mappedErr = ports.ErrInsufficientFunds
		case -4003, -4014, -4015: // Qty, price or leverage out of range
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrUnknown
		}
		return ports.NewAdapterError(operation, int(apiErr.Code), fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err))
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var mappedErr error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		mappedErr = ports.ErrTimeout
	case errors.Is(err, context.Canceled):
		mappedErr = ports.ErrContextCanceled
	case strings.Contains(err.Error(), "use of closed network connection"),
		strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "connection reset by peer"),
		strings.Contains(err.Error(), "no such host"),
		strings.Contains(err.Error(), "i/o timeout"):
		mappedErr = ports.ErrConnectionFailed
	default:
		mappedErr = ports.ErrUnknown
	}
	return ports.NewAdapterError(operation, 0, fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err))
}

// handleError maps err and logs it.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}
	mapped := mapError(operation, err)
	fields := map[string]interface{}{"operation": operation, "reason": string(mapped.Reason), "originalError": err.Error()}
	if mapped.Code != 0 {
		fields["apiErrorCode"] = mapped.Code
	}
	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return mapped
}

// isAlreadyGone reports whether a cancel failure means the order is no
// longer open on the exchange.
func isAlreadyGone(err error) bool {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == codeCancelRejected || apiErr.Code == codeOrderNotFound
}
