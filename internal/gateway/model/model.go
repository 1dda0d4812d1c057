package model

import "time"

type Job struct {
	JobID           string
	SourceReference string
	ImageID         string
	Stages          []string
	Source          string
	Status          string
	CreatedAt       time.Time
}
