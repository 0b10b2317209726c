package user

// User describes a participant. Identity provisioning happens elsewhere; AuthID links the row
// to the identity provider subject.
type User struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	AuthID      string `json:"-" gorm:"uniqueIndex;not null"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}
