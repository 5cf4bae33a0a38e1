package req

type ListQuery struct {
	Limit int `form:"limit,default=100" binding:"min=1,max=1000"`
}

type DeadLetterQuery struct {
	Limit      int  `form:"limit,default=100" binding:"min=1,max=1000"`
	Unresolved bool `form:"unresolved,default=true"`
}

type DeadLetterURI struct {
	ID uint64 `uri:"id" binding:"required"`
}
