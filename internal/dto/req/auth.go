package req

// LoginReq authenticates an operator against the users configured under auth.users.
// Terminals do not log in; they present a device key instead.
type LoginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=1,max=72"`
}

// RefreshReq exchanges an operator refresh token. Without redis there is no allow-list
// and refresh always fails with an expired session.
type RefreshReq struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}
