package registry

import (
	"time"

	"github.com/klt/dashboard/internal/app"
)

type CreateDashboardRequest struct {
	// ID is generated when empty.
	ID          string          `json:"id,omitempty"`
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	LoadOptions app.LoadOptions `json:"load_options"`
	EndAt       string          `json:"end_at,omitempty"`

	SecurityReport *app.SecurityReport `json:"security_report,omitempty"`
	// CreatedAt defaults to now. Set it when importing a test that is already running.
	CreatedAt time.Time `json:"created_at,omitempty"`
}
