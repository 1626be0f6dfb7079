package service

import "context"

type contextKey string

const operatorKey contextKey = "operator"

// OperatorInfo is the authenticated caller of a control-plane request. Its
// Name is recorded as the author of overrides and audit rows.
type OperatorInfo struct {
	UserID string
	Name   string
	Role   string
}

func WithOperator(ctx context.Context, op *OperatorInfo) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

func GetOperatorInfo(ctx context.Context) *OperatorInfo {
	op, _ := ctx.Value(operatorKey).(*OperatorInfo)
	return op
}

// GetOperator names the caller, or "system" for background work.
func GetOperator(ctx context.Context) string {
	if op := GetOperatorInfo(ctx); op != nil && op.Name != "" {
		return op.Name
	}
	return "system"
}
