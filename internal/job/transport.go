package job

import (
	"github.com/quantfeed/barsync/internal/apperror"
	"github.com/quantfeed/barsync/internal/bar"
)

type GetRunRequest struct {
	ID int64
}

func (r GetRunRequest) Validate() *apperror.AppError {
	if r.ID <= 0 {
		return apperror.New(apperror.BadRequest, "invalid run id")
	}
	return nil
}

type ListRunsRequest struct {
	Symbol    string
	Timeframe bar.Timeframe
}

func (r ListRunsRequest) Validate() *apperror.AppError {
	if r.Timeframe != "" && !r.Timeframe.Valid() {
		return apperror.New(apperror.BadRequest, "invalid timeframe")
	}
	return nil
}

type CancelRunRequest struct {
	ID int64
}

func (r CancelRunRequest) Validate() *apperror.AppError {
	if r.ID <= 0 {
		return apperror.New(apperror.BadRequest, "invalid run id")
	}
	return nil
}
