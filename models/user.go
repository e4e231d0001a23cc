// models/user.go
package models

type User struct {
	ID       string `json:"id" yaml:"id"`
	Username string `json:"username" yaml:"username"`
	FullName string `json:"fullname" yaml:"fullname"`
}
