package api

import (
	"github.com/samcharles93/vitptq/internal/compare"
)

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type ArchiveInfo struct {
	Object    string `json:"object"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	CreatedAt int64  `json:"created_at"`
}

type ArchiveList struct {
	Object string        `json:"object"`
	Data   []ArchiveInfo `json:"data"`
}

type ArrayInfo struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

type ArchiveDetail struct {
	ArchiveInfo
	Arrays []ArrayInfo `json:"arrays"`
}

type CompareResponse struct {
	Object string `json:"object"`
	Float  string `json:"float"`
	Quant  string `json:"quant"`
	compare.Report
}
