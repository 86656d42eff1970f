package models

// Cookie is one stored browser cookie
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// StorageEntry is a single localStorage item
type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// OriginStorage holds the localStorage of one origin
type OriginStorage struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage"`
}

// AuthState is an opaque credential bundle captured from a logged-in
// browser context. The orchestrator copies it around but only replaces it
// on re-login.
type AuthState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
}

// Empty reports whether the state carries nothing worth seeding a context with
func (a *AuthState) Empty() bool {
	return a == nil || (len(a.Cookies) == 0 && len(a.Origins) == 0)
}

// Clone returns a deep copy
func (a *AuthState) Clone() *AuthState {
	if a == nil {
		return nil
	}
	out := &AuthState{
		Cookies: append([]Cookie(nil), a.Cookies...),
		Origins: make([]OriginStorage, len(a.Origins)),
	}
	for i, o := range a.Origins {
		out.Origins[i] = OriginStorage{
			Origin:       o.Origin,
			LocalStorage: append([]StorageEntry(nil), o.LocalStorage...),
		}
	}
	return out
}
