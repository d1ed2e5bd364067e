package ratelimit

import "time"

// Operation names a rate-limited action.
type Operation string

const (
	OpLogin            Operation = "login"
	OpSecondFactor     Operation = "second_factor"
	OpPasswordChange   Operation = "password_change"
	OpPasswordReset    Operation = "password_reset"
	OpBackupCodes      Operation = "backup_codes"
	OpRegister         Operation = "register"
	OpPostCreate       Operation = "post_create"
	OpPostEdit         Operation = "post_edit"
	OpPostDelete       Operation = "post_delete"
	OpComment          Operation = "comment"
	OpCommentDelete    Operation = "comment_delete"
	OpVolunteerRequest Operation = "volunteer_request"
	OpMapQuery         Operation = "map_query"
	OpAPI              Operation = "api"
	OpHealth           Operation = "health"
)

// Rule is a limit of Limit requests per trailing Window.
type Rule struct {
	Limit  int           `json:"limit" toml:"limit"`
	Window time.Duration `json:"window" toml:"window"`
}

// Presets returns the default rule for every known operation. The caller
// owns the returned map.
func Presets() map[Operation]Rule {
	return map[Operation]Rule{
		OpLogin:            {Limit: 5, Window: time.Minute},
		OpSecondFactor:     {Limit: 5, Window: 10 * time.Minute},
		OpPasswordChange:   {Limit: 5, Window: 5 * time.Minute},
		OpPasswordReset:    {Limit: 3, Window: 5 * time.Minute},
		OpBackupCodes:      {Limit: 3, Window: 5 * time.Minute},
		OpRegister:         {Limit: 5, Window: 5 * time.Minute},
		OpPostCreate:       {Limit: 5, Window: 5 * time.Minute},
		OpPostEdit:         {Limit: 10, Window: 5 * time.Minute},
		OpPostDelete:       {Limit: 3, Window: time.Minute},
		OpComment:          {Limit: 10, Window: time.Minute},
		OpCommentDelete:    {Limit: 5, Window: time.Minute},
		OpVolunteerRequest: {Limit: 3, Window: 5 * time.Minute},
		OpMapQuery:         {Limit: 5, Window: 5 * time.Minute},
		OpAPI:              {Limit: 30, Window: time.Minute},
		OpHealth:           {Limit: 60, Window: time.Minute},
	}
}
