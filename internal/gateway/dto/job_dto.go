package dto

type SubmitJobRequest struct {
	SourceReference string   `json:"source_reference" binding:"required"`
	ImageID         string   `json:"image_id"`
	RequestedStages []string `json:"requested_stages" binding:"required,min=1"`
}

type SubmitJobResponse struct {
	JobID       string   `json:"job_id"`
	Status      string   `json:"status"`
	Stages      []string `json:"stages"`
	SubmittedAt string   `json:"submitted_at"`
}

type ListJobsRequest struct {
	ImageID  string `form:"image_id"`
	Source   string `form:"source"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string     `json:"job_id"`
	SourceReference string     `json:"source_reference"`
	ImageID         string     `json:"image_id,omitempty"`
	Stages          []string   `json:"stages"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	CreatedAt       string     `json:"created_at"`
	Results         []StageDTO `json:"results,omitempty"`
}

type StageDTO struct {
	Stage     string `json:"stage"`
	State     string `json:"state"`
	Attempts  int    `json:"attempts"`
	Detail    string `json:"detail,omitempty"`
	UpdatedAt string `json:"updated_at"`
}

type EventResponse struct {
	OK    string `json:"ok"`
	JobID string `json:"job_id,omitempty"`
}
