// internal/models/user.go
package models

type UserType string

const (
	UserTypeHomeGardener UserType = "Home gardener"
	UserTypeNursery      UserType = "Nursery"
	UserTypeFarmer       UserType = "Farmer"
	UserTypeOther        UserType = "Other"
)

// Profile is the locally cached account data.
type Profile struct {
	ID                string   `json:"id,omitempty"`
	Name              string   `json:"name,omitempty"`
	Email             string   `json:"email,omitempty"`
	Country           string   `json:"country,omitempty"`
	UserType          UserType `json:"userType,omitempty"`
	PlantTypes        []string `json:"plantTypes,omitempty"`
	OnboardingSkipped bool     `json:"onboardingSkipped,omitempty"`
	IsPremium         bool     `json:"isPremium,omitempty"`
}

// ProfileUpdate is a partial profile. Nil fields leave the stored value alone.
type ProfileUpdate struct {
	ID                *string
	Name              *string
	Email             *string
	Country           *string
	UserType          *UserType
	PlantTypes        []string
	OnboardingSkipped *bool
	IsPremium         *bool
}

// Merge applies the non-nil fields of u onto p.
func (p Profile) Merge(u ProfileUpdate) Profile {
	if u.ID != nil {
		p.ID = *u.ID
	}
	if u.Name != nil {
		p.Name = *u.Name
	}
	if u.Email != nil {
		p.Email = *u.Email
	}
	if u.Country != nil {
		p.Country = *u.Country
	}
	if u.UserType != nil {
		p.UserType = *u.UserType
	}
	if u.PlantTypes != nil {
		p.PlantTypes = append([]string(nil), u.PlantTypes...)
	}
	if u.OnboardingSkipped != nil {
		p.OnboardingSkipped = *u.OnboardingSkipped
	}
	if u.IsPremium != nil {
		p.IsPremium = *u.IsPremium
	}
	return p
}

// OnboardingComplete reports whether the user finished or skipped onboarding.
func (p Profile) OnboardingComplete() bool {
	return p.OnboardingSkipped || (p.UserType != "" && len(p.PlantTypes) > 0)
}

// RemoteUser is the user object returned by the auth endpoints.
type RemoteUser struct {
	ID         any      `json:"id"`
	Email      string   `json:"email"`
	Name       string   `json:"name"`
	Country    string   `json:"country"`
	UserType   UserType `json:"userType"`
	PlantTypes []string `json:"plantTypes"`
	IsPremium  *bool    `json:"isPremium"`
}

// Update converts the remote user into a profile update; absent fields stay nil.
func (u RemoteUser) Update() ProfileUpdate {
	var upd ProfileUpdate
	if u.ID != nil {
		id := stringify(u.ID)
		upd.ID = &id
	}
	if u.Email != "" {
		upd.Email = &u.Email
	}
	if u.Name != "" {
		upd.Name = &u.Name
	}
	if u.Country != "" {
		upd.Country = &u.Country
	}
	if u.UserType != "" {
		upd.UserType = &u.UserType
	}
	if u.PlantTypes != nil {
		upd.PlantTypes = u.PlantTypes
	}
	upd.IsPremium = u.IsPremium
	return upd
}

type AuthResult struct {
	Token string     `json:"access_token"`
	User  RemoteUser `json:"user"`
}

type Credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type RegisterRequest struct {
	Email      string   `json:"email" validate:"required,email"`
	Password   string   `json:"password" validate:"required,min=6"`
	Name       string   `json:"name" validate:"required"`
	Country    string   `json:"country,omitempty"`
	UserType   UserType `json:"userType,omitempty"`
	PlantTypes []string `json:"plantTypes,omitempty"`
}

// RemoteSession is the device-scoped usage record kept by the backend.
type RemoteSession struct {
	ScansUsed int  `json:"scans_used"`
	IsPremium bool `json:"is_premium"`
}

// Outcome is the result of an upgrade or coupon redemption.
type Outcome struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	AlreadyPremium bool   `json:"-"`
}

// Plan is a subscription plan accepted by the upgrade endpoint.
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
	PlanPro     Plan = "pro"
)
