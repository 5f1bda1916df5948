package grpcsvc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/realtime"
)

func strPtr(s string) *string { return &s }

func TestUpdateOrderRequest_Patch(t *testing.T) {
	amount := int64(500)

	tests := []struct {
		name    string
		req     updateOrderRequest
		want    domain.OrderPatch
		wantErr bool
	}{
		{
			name: "status with assignment",
			req:  updateOrderRequest{Status: strPtr("in_progress"), DesignerID: strPtr("d1")},
			want: domain.StatusPatch{Status: domain.OrderStatusInProgress, Assignment: domain.AssignmentPatch{DesignerID: strPtr("d1")}},
		},
		{
			name: "assignment only",
			req:  updateOrderRequest{SalesRepID: strPtr("rep-1")},
			want: domain.AssignmentPatch{SalesRepID: strPtr("rep-1")},
		},
		{
			name: "amount only",
			req:  updateOrderRequest{TotalAmountMinor: &amount},
			want: domain.AmountPatch{TotalAmountMinor: 500},
		},
		{
			name: "details",
			req:  updateOrderRequest{Title: strPtr("Poster")},
			want: domain.DetailsPatch{Title: strPtr("Poster")},
		},
		{name: "status and amount", req: updateOrderRequest{Status: strPtr("review"), TotalAmountMinor: &amount}, wantErr: true},
		{name: "assignment and details", req: updateOrderRequest{DesignerID: strPtr("d1"), Title: strPtr("x")}, wantErr: true},
		{name: "empty", req: updateOrderRequest{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.req.patch()
			if tt.wantErr {
				require.True(t, domain.HasReason(err, domain.ReasonInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestToStatus(t *testing.T) {
	logger := log.NewEntry(log.New())

	tests := []struct {
		err  error
		code codes.Code
	}{
		{domain.Reject(domain.ReasonForbidden, "no"), codes.PermissionDenied},
		{domain.Reject(domain.ReasonMissingDesigner, ""), codes.FailedPrecondition},
		{domain.Reject(domain.ReasonInvalidTransition, ""), codes.FailedPrecondition},
		{domain.Reject(domain.ReasonInvalidAmount, ""), codes.InvalidArgument},
		{domain.Reject(domain.ReasonCustomerMismatch, ""), codes.InvalidArgument},
		{fmt.Errorf("load order: %w", domain.ErrOrderNotFound), codes.NotFound},
		{fmt.Errorf("update: %w", domain.ErrInvoiceVersionConflict), codes.Aborted},
		{fmt.Errorf("resolve: %w", domain.ErrEditRequestConflict), codes.Aborted},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("pq: relation does not exist"), codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, status.Code(toStatus(logger, "test", tt.err)), tt.err.Error())
	}

	st := status.Convert(toStatus(logger, "test", errors.New("dial tcp 10.0.0.1:5432: connection refused")))
	assert.Equal(t, genericFailureMessage, st.Message())

	st = status.Convert(toStatus(logger, "test", domain.Reject(domain.ReasonMissingDesigner, "assign a designer before starting work")))
	assert.Equal(t, "MissingDesigner: assign a designer before starting work", st.Message())
}

func TestScopeFilter(t *testing.T) {
	customer := domain.Actor{ID: "cust-1", Role: domain.RoleCustomer}
	designer := domain.Actor{ID: "d1", Role: domain.RoleDesigner}
	admin := domain.Actor{ID: "admin-1", Role: domain.RoleAdmin}

	filter, err := scopeFilter(customer, watchChangesRequest{Collection: domain.CollectionOrders})
	require.NoError(t, err)
	assert.Equal(t, realtime.RowFilter{Field: "customer_id", Value: "cust-1"}, filter)

	filter, err = scopeFilter(designer, watchChangesRequest{Collection: domain.CollectionOrders})
	require.NoError(t, err)
	assert.Equal(t, realtime.RowFilter{Field: "assigned_designer_id", Value: "d1"}, filter)

	filter, err = scopeFilter(admin, watchChangesRequest{Collection: domain.CollectionNotifications})
	require.NoError(t, err)
	assert.Equal(t, realtime.RowFilter{Field: "recipient_id", Value: "admin-1"}, filter)

	filter, err = scopeFilter(admin, watchChangesRequest{Collection: domain.CollectionInvoices, FilterField: "customer_id", FilterValue: "c9"})
	require.NoError(t, err)
	assert.Equal(t, realtime.RowFilter{Field: "customer_id", Value: "c9"}, filter)

	_, err = scopeFilter(designer, watchChangesRequest{Collection: domain.CollectionInvoices})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = scopeFilter(customer, watchChangesRequest{Collection: domain.CollectionNotifications, FilterField: "recipient_id", FilterValue: "cust-2"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestDecode_ValidationMessageUsesJSONNames(t *testing.T) {
	in, err := structpb.NewStruct(map[string]any{"status": "paid"})
	require.NoError(t, err)

	var req updateInvoiceRequest
	err = decode(newValidator(), in, &req)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "invoice_id failed required")
}
