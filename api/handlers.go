package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gin-gonic/gin"

	"iotconsole/actuator"
	"iotconsole/client"
	"iotconsole/models"
	"iotconsole/schedule"
	"iotconsole/service"
)

// CommandLister reads the command journal.
type CommandLister interface {
	List(ctx context.Context, deviceID string, limit int) ([]models.Command, error)
}

// Health reports liveness and the build that is running.
func Health(c *gin.Context, hub *WebSocketHub) {
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{
		"status":   "ok",
		"message":  "IoT console backend is running",
		"version":  versioninfo.Version,
		"revision": versioninfo.Revision,
		"clients":  hub.ClientCount(),
	}))
}

// GetDevices returns the polled device list with liveness.
func GetDevices(c *gin.Context, dm *service.DeviceManager) {
	c.JSON(http.StatusOK, models.SuccessResponse(dm.List()))
}

// RefreshDevices polls the device list now.
func RefreshDevices(c *gin.Context, dm *service.DeviceManager) {
	dm.Refresh(c.Request.Context())
	c.JSON(http.StatusOK, models.SuccessResponse(dm.List()))
}

// GetDeviceView starts or joins the device's watch session and returns its
// view. The first request waits for one poll so the page is not empty.
func GetDeviceView(c *gin.Context, ss *service.SessionService) {
	deviceID := c.Param("id")

	if err := ss.Start(deviceID); err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}

	view, err := ss.View(deviceID)
	if err == nil && !view.Loaded {
		if err = ss.Refresh(c.Request.Context(), deviceID); err == nil {
			view, err = ss.View(deviceID)
		}
	}
	if err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(view))
}

// RefreshDevice polls the device snapshot and history once.
func RefreshDevice(c *gin.Context, ss *service.SessionService) {
	deviceID := c.Param("id")

	if err := ss.Start(deviceID); err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	if err := ss.Refresh(c.Request.Context(), deviceID); err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	view, err := ss.View(deviceID)
	if err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(view))
}

type setStateRequest struct {
	State string `json:"state" binding:"required"`
}

// ToggleActuatorMode flips an actuator between AUTO and MANUAL.
func ToggleActuatorMode(c *gin.Context, ss *service.SessionService) {
	deviceID, key := c.Param("id"), c.Param("key")

	cmd, err := ss.ToggleMode(c.Request.Context(), deviceID, key)
	respondCommand(c, ss, deviceID, cmd, err)
}

// SetActuatorState drives an actuator in MANUAL mode.
func SetActuatorState(c *gin.Context, ss *service.SessionService) {
	deviceID, key := c.Param("id"), c.Param("key")

	var req setStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ValidationFailure, "invalid request"))
		return
	}

	cmd, err := ss.SetState(c.Request.Context(), deviceID, key, req.State)
	respondCommand(c, ss, deviceID, cmd, err)
}

func respondCommand(c *gin.Context, ss *service.SessionService, deviceID string, cmd models.Command, err error) {
	if err != nil {
		status, kind := classify(err, models.CommandFailure)
		resp := models.ErrorResponse(kind, err.Error())
		if errors.Is(err, actuator.ErrAutoMode) {
			resp.Message = actuator.AutoModeWarning
		}
		if cmd.ID != "" {
			resp.Data = cmd
		}
		c.JSON(status, resp)
		return
	}

	view, verr := ss.View(deviceID)
	if verr != nil {
		c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"command": cmd}))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(gin.H{"command": cmd, "view": view}))
}

// GetCommands lists journaled commands, newest first.
func GetCommands(c *gin.Context, journal CommandLister) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	cmds, err := journal.List(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(models.FetchFailure, err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(cmds))
}

// ToggleField selects or deselects a plotted field.
func ToggleField(c *gin.Context, ss *service.SessionService) {
	deviceID := c.Param("id")
	changed, err := ss.ToggleField(deviceID, c.Param("key"))
	respondView(c, ss, deviceID, gin.H{"changed": changed}, err)
}

// ResetFields selects the default fields again.
func ResetFields(c *gin.Context, ss *service.SessionService) {
	deviceID := c.Param("id")
	respondView(c, ss, deviceID, nil, ss.ResetFields(deviceID))
}

type pointerRequest struct {
	Action service.PointerAction `json:"action" binding:"required"`
	X      *int64                `json:"x"`
}

// ZoomPointer forwards one step of a drag-to-zoom gesture.
func ZoomPointer(c *gin.Context, ss *service.SessionService) {
	deviceID := c.Param("id")

	var req pointerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ValidationFailure, "invalid request"))
		return
	}
	switch req.Action {
	case service.PointerDown, service.PointerMove, service.PointerUp:
	default:
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ValidationFailure, "action must be down, move or up"))
		return
	}

	committed, err := ss.Pointer(deviceID, req.Action, req.X)
	respondView(c, ss, deviceID, gin.H{"committed": committed}, err)
}

type slideRequest struct {
	Start *int `json:"start" binding:"required"`
	End   *int `json:"end" binding:"required"`
}

// ZoomSlide commits the window between two point indices.
func ZoomSlide(c *gin.Context, ss *service.SessionService) {
	deviceID := c.Param("id")

	var req slideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ValidationFailure, "invalid request"))
		return
	}

	committed, err := ss.Slide(deviceID, *req.Start, *req.End)
	respondView(c, ss, deviceID, gin.H{"committed": committed}, err)
}

// ZoomReset returns the chart to the full range.
func ZoomReset(c *gin.Context, ss *service.SessionService) {
	deviceID := c.Param("id")
	respondView(c, ss, deviceID, nil, ss.ResetZoom(deviceID))
}

func respondView(c *gin.Context, ss *service.SessionService, deviceID string, extra gin.H, err error) {
	if err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	view, err := ss.View(deviceID)
	if err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	if extra == nil {
		extra = gin.H{}
	}
	extra["view"] = view
	c.JSON(http.StatusOK, models.SuccessResponse(extra))
}

// GetSessions reports the state of every watch session.
func GetSessions(c *gin.Context, ss *service.SessionService) {
	c.JSON(http.StatusOK, models.SuccessResponse(ss.Status()))
}

// GetSchedules returns a device's schedule board.
func GetSchedules(c *gin.Context, sched *service.ScheduleService) {
	board, err := sched.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(board))
}

// NewScheduleForm returns a blank form in the device's timezone.
func NewScheduleForm(c *gin.Context, sched *service.ScheduleService) {
	form, err := sched.NewForm(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(form))
}

// EditScheduleForm returns a stored schedule prefilled into a form.
func EditScheduleForm(c *gin.Context, sched *service.ScheduleService) {
	board, err := sched.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, models.FetchFailure, err)
		return
	}

	sid := c.Param("sid")
	for _, s := range board.Schedules {
		if s.ID == sid {
			c.JSON(http.StatusOK, models.SuccessResponse(schedule.EditForm(s, board.Timezone)))
			return
		}
	}
	respondError(c, models.FetchFailure, service.ErrScheduleNotFound)
}

// CreateSchedule validates and creates a schedule.
func CreateSchedule(c *gin.Context, sched *service.ScheduleService) {
	var form models.ScheduleDefinition
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ValidationFailure, "invalid request"))
		return
	}
	form.ID = ""
	saveSchedule(c, sched, form)
}

// UpdateSchedule validates and replaces a schedule.
func UpdateSchedule(c *gin.Context, sched *service.ScheduleService) {
	var form models.ScheduleDefinition
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ValidationFailure, "invalid request"))
		return
	}
	form.ID = c.Param("sid")
	saveSchedule(c, sched, form)
}

func saveSchedule(c *gin.Context, sched *service.ScheduleService, form models.ScheduleDefinition) {
	board, err := sched.Save(c.Request.Context(), c.Param("id"), form)
	if err != nil {
		respondError(c, models.CommandFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("Schedule saved", board))
}

// ToggleSchedule flips a schedule's enabled flag.
func ToggleSchedule(c *gin.Context, sched *service.ScheduleService) {
	board, err := sched.Toggle(c.Request.Context(), c.Param("id"), c.Param("sid"))
	if err != nil {
		respondError(c, models.CommandFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(board))
}

// DeleteSchedule removes a schedule.
func DeleteSchedule(c *gin.Context, sched *service.ScheduleService) {
	board, err := sched.Delete(c.Request.Context(), c.Param("id"), c.Param("sid"))
	if err != nil {
		respondError(c, models.CommandFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("Schedule deleted", board))
}

// PreviewSchedule lists upcoming firings of an unsaved form.
func PreviewSchedule(c *gin.Context, sched *service.ScheduleService) {
	var form models.ScheduleDefinition
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse(models.ValidationFailure, "invalid request"))
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("n", "5"))

	runs, err := sched.Preview(form, n)
	if err != nil {
		respondError(c, models.ValidationFailure, err)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(runs))
}

func respondError(c *gin.Context, fallback models.FailureKind, err error) {
	status, kind := classify(err, fallback)
	resp := models.ErrorResponse(kind, err.Error())

	var verr *schedule.ValidationError
	if errors.As(err, &verr) {
		resp.Data = verr
	}
	c.JSON(status, resp)
}

// classify maps an error to an HTTP status and the failure kind clients use
// to pick between a banner, a transient message and an inline form error.
func classify(err error, fallback models.FailureKind) (int, models.FailureKind) {
	var verr *schedule.ValidationError
	var uerr *client.Error

	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, models.ValidationFailure
	case errors.Is(err, actuator.ErrAutoMode):
		return http.StatusConflict, models.ValidationFailure
	case errors.Is(err, actuator.ErrBusy):
		return http.StatusConflict, models.CommandFailure
	case errors.Is(err, actuator.ErrInvalidState), errors.Is(err, actuator.ErrUnknownActuator),
		errors.Is(err, service.ErrUnknownField):
		return http.StatusBadRequest, models.ValidationFailure
	case errors.Is(err, actuator.ErrNoSnapshot):
		return http.StatusConflict, models.FetchFailure
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrScheduleNotFound):
		return http.StatusNotFound, fallback
	case errors.Is(err, service.ErrSessionStopping):
		return http.StatusServiceUnavailable, fallback
	case errors.As(err, &uerr) && uerr.Status == http.StatusNotFound:
		return http.StatusNotFound, fallback
	default:
		return http.StatusBadGateway, fallback
	}
}
