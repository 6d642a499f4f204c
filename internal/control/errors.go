package control

import (
	"net/http"

	"github.com/dannyzb/chunkrelay/internal/transfer"
)

// statusForKind maps the closed transfer.ErrorKind taxonomy to an HTTP
// status, grounded on the teacher's HTTP announce handler's error-code
// table (other_examples http-announce.go's oops/trackerErrCode pattern),
// generalized from bencoded tracker failure codes to a JSON status map.
var statusForKind = map[transfer.ErrorKind]int{
	transfer.ClientNotFound:      http.StatusNotFound,
	transfer.ClientNotConnected:  http.StatusServiceUnavailable,
	transfer.FileNotFound:        http.StatusNotFound,
	transfer.FileReadError:       http.StatusInternalServerError,
	transfer.PermissionDenied:    http.StatusForbidden,
	transfer.DownloadInProgress:  http.StatusConflict,
	transfer.DownloadTimeout:     http.StatusRequestTimeout,
	transfer.ChunkChecksumFailed: http.StatusUnprocessableEntity,
	transfer.ChunkTransferFailed: http.StatusInternalServerError,
	transfer.InvalidRequest:      http.StatusBadRequest,
}

func httpStatus(err *transfer.Error) int {
	if status, ok := statusForKind[err.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}
