package grpcsvc

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type createOrderRequest struct {
	CustomerID       string `json:"customer_id"`
	OrderType        string `json:"order_type" validate:"omitempty,oneof=custom stock_design"`
	Title            string `json:"title" validate:"required,max=200"`
	Description      string `json:"description" validate:"max=4000"`
	TotalAmountMinor int64  `json:"total_amount_minor"`
}

// updateOrderRequest: плоское тело UpdateOrder. В одном запросе допускается только
// одна группа полей: статус (с назначениями), назначения, сумма или описание.
type updateOrderRequest struct {
	OrderID          string  `json:"order_id" validate:"required"`
	Status           *string `json:"status"`
	SalesRepID       *string `json:"assigned_sales_rep_id"`
	DesignerID       *string `json:"assigned_designer_id"`
	TotalAmountMinor *int64  `json:"total_amount_minor"`
	Title            *string `json:"title" validate:"omitempty,max=200"`
	Description      *string `json:"description" validate:"omitempty,max=4000"`
}

func (r updateOrderRequest) patch() (domain.OrderPatch, error) {
	assignment := domain.AssignmentPatch{SalesRepID: r.SalesRepID, DesignerID: r.DesignerID}
	details := r.Title != nil || r.Description != nil

	switch {
	case r.Status != nil:
		if r.TotalAmountMinor != nil || details {
			return nil, mixedPatch()
		}
		return domain.StatusPatch{Status: domain.OrderStatus(strings.TrimSpace(*r.Status)), Assignment: assignment}, nil
	case r.TotalAmountMinor != nil:
		if !assignment.Empty() || details {
			return nil, mixedPatch()
		}
		return domain.AmountPatch{TotalAmountMinor: *r.TotalAmountMinor}, nil
	case !assignment.Empty():
		if details {
			return nil, mixedPatch()
		}
		return assignment, nil
	case details:
		return domain.DetailsPatch{Title: r.Title, Description: r.Description}, nil
	default:
		return nil, domain.Reject(domain.ReasonInvalidInput, "order update has no fields")
	}
}

func mixedPatch() error {
	return domain.Reject(domain.ReasonInvalidInput, "status, assignment, amount and details must be updated separately")
}

type idRequest struct {
	ID string `json:"id" validate:"required"`
}

type listRequest struct {
	CustomerID string `json:"customer_id"`
	Limit      int    `json:"limit" validate:"min=0,max=200"`
}

type createInvoiceRequest struct {
	CustomerID       string   `json:"customer_id" validate:"required"`
	OrderIDs         []string `json:"order_ids" validate:"dive,required"`
	TotalAmountMinor int64    `json:"total_amount_minor"`
	Status           string   `json:"status" validate:"omitempty,oneof=unpaid paid"`
}

type updateInvoiceRequest struct {
	InvoiceID        string    `json:"invoice_id" validate:"required"`
	OrderIDs         *[]string `json:"order_ids"`
	Status           *string   `json:"status" validate:"omitempty,oneof=unpaid paid cancelled"`
	TotalAmountMinor *int64    `json:"total_amount_minor"`
}

func (r updateInvoiceRequest) patch() domain.InvoicePatch {
	patch := domain.InvoicePatch{OrderIDs: r.OrderIDs, TotalAmountMinor: r.TotalAmountMinor}
	if r.Status != nil {
		s := domain.InvoiceStatus(*r.Status)
		patch.Status = &s
	}
	return patch
}

type createEditRequestRequest struct {
	OrderID     string `json:"order_id" validate:"required"`
	Description string `json:"description" validate:"required,max=4000"`
}

type resolveEditRequestRequest struct {
	EditRequestID string `json:"edit_request_id" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=approved rejected completed"`
	DesignerNotes string `json:"designer_notes" validate:"max=4000"`
}

type listEditRequestsRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

type listNotificationsRequest struct {
	UnreadOnly bool `json:"unread_only"`
	Limit      int  `json:"limit" validate:"min=0,max=100"`
}

type markNotificationReadRequest struct {
	NotificationID string `json:"notification_id" validate:"required"`
}

type registerProfileRequest struct {
	ID       string `json:"id" validate:"required"`
	FullName string `json:"full_name" validate:"max=200"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     string `json:"role" validate:"omitempty,oneof=admin sales_rep designer customer"`
}

type watchChangesRequest struct {
	Collection  string   `json:"collection" validate:"required,oneof=orders invoices edit_requests notifications comments"`
	Kinds       []string `json:"kinds" validate:"dive,oneof=insert update delete"`
	FilterField string   `json:"filter_field"`
	FilterValue string   `json:"filter_value"`
}

// decode переводит Struct в DTO через JSON и проверяет теги validate.
func decode(v *validatorv10.Validate, in *structpb.Struct, out any) error {
	if in == nil {
		return status.Error(codes.InvalidArgument, "request is required")
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Error(codes.InvalidArgument, "request is not valid JSON")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := v.Struct(out); err != nil {
		return status.Error(codes.InvalidArgument, validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	ve, ok := err.(validatorv10.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// encode переводит значение в Struct через его JSON-представление.
func encode(value any) (*structpb.Struct, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return out, nil
}

func newValidator() *validatorv10.Validate {
	v := validatorv10.New(validatorv10.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return v
}
