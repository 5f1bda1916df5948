package domain

// Role: роль пользователя в системе.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleSalesRep Role = "sales_rep"
	RoleDesigner Role = "designer"
	RoleCustomer Role = "customer"
)

// Valid проверяет, что роль поддерживается.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleSalesRep, RoleDesigner, RoleCustomer:
		return true
	default:
		return false
	}
}

// Actor: аутентифицированный инициатор операции.
type Actor struct {
	ID   string
	Role Role
}

// IsStaff возвращает true для администраторов и менеджеров по продажам.
func (a Actor) IsStaff() bool {
	return a.Role == RoleAdmin || a.Role == RoleSalesRep
}

// Profile — запись справочника пользователей.
type Profile struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role"`
}
