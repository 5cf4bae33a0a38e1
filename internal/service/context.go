package service

import "context"

type contextKey string

const operatorKey contextKey = "operator"

// OperatorInfo is the authenticated back-office user behind a request.
type OperatorInfo struct {
	UserID  string
	Name    string
	Role    string
	OwnerID string
}

func WithOperator(ctx context.Context, op *OperatorInfo) context.Context {
	return context.WithValue(ctx, operatorKey, op)
}

func GetOperatorInfo(ctx context.Context) *OperatorInfo {
	val, ok := ctx.Value(operatorKey).(*OperatorInfo)
	if !ok {
		return nil
	}
	return val
}

// GetOperator returns the operator's name for audit columns such as resolved_by.
func GetOperator(ctx context.Context) string {
	op := GetOperatorInfo(ctx)
	if op == nil {
		return "system"
	}
	return op.Name
}
