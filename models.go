package main

import "time"

// Profile is one identity's encrypted dating profile. The interest and value
// attributes are ciphertext handles owned by the FHE engine; only the public
// preference and display metadata are plaintext.
type Profile struct {
	Address            string    `json:"address"`
	DisplayName        string    `json:"display_name"`
	AboutMe            string    `json:"about_me"`
	EncryptedInterests string    `json:"encrypted_interests"`
	EncryptedValues    string    `json:"encrypted_values"`
	PublicPreferences  int64     `json:"public_preferences"`
	IsActive           bool      `json:"is_active"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ProfileSummary is the public slice of a profile used in listings.
type ProfileSummary struct {
	Address           string `json:"address"`
	DisplayName       string `json:"display_name"`
	AboutMe           string `json:"about_me"`
	PublicPreferences int64  `json:"public_preferences"`
}

// MatchResult is one computed match between an ordered pair of identities.
// The score is plaintext once computed; only the inputs stay encrypted.
type MatchResult struct {
	MatchID   string    `json:"match_id"`
	IdentityA string    `json:"identity_a"`
	IdentityB string    `json:"identity_b"`
	Score     int64     `json:"score"`
	Mutual    bool      `json:"mutual"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
