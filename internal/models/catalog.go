package models

// CourseStatus is the catalog state of a course.
type CourseStatus string

const (
	CourseActive  CourseStatus = "active"
	CourseRetired CourseStatus = "retired"
)

// Course is a catalog entry mirrored from the LMS.
type Course struct {
	ID     int64        `json:"id"`
	Title  string       `json:"title"`
	Status CourseStatus `json:"status"`
}
