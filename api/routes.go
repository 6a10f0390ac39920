package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"iotconsole/service"
)

// Services bundles what the routes dispatch to.
type Services struct {
	Devices   *service.DeviceManager
	Sessions  *service.SessionService
	Schedules *service.ScheduleService
	Journal   CommandLister
	Hub       *WebSocketHub
}

func SetupRoutes(router *gin.Engine, s Services) {
	// Enable CORS
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		Health(c, s.Hub)
	})

	api := router.Group("/api")
	{
		api.GET("/sessions", func(c *gin.Context) {
			GetSessions(c, s.Sessions)
		})

		devices := api.Group("/devices")
		{
			devices.GET("", func(c *gin.Context) {
				GetDevices(c, s.Devices)
			})
			devices.POST("/refresh", func(c *gin.Context) {
				RefreshDevices(c, s.Devices)
			})
		}

		device := devices.Group("/:id")
		{
			device.GET("", func(c *gin.Context) {
				GetDeviceView(c, s.Sessions)
			})
			device.POST("/refresh", func(c *gin.Context) {
				RefreshDevice(c, s.Sessions)
			})
			device.GET("/commands", func(c *gin.Context) {
				GetCommands(c, s.Journal)
			})

			// Actuator control
			device.POST("/actuators/:key/mode", func(c *gin.Context) {
				ToggleActuatorMode(c, s.Sessions)
			})
			device.POST("/actuators/:key/state", func(c *gin.Context) {
				SetActuatorState(c, s.Sessions)
			})

			// Chart
			device.POST("/fields/:key/toggle", func(c *gin.Context) {
				ToggleField(c, s.Sessions)
			})
			device.POST("/fields/reset", func(c *gin.Context) {
				ResetFields(c, s.Sessions)
			})
			device.POST("/zoom/pointer", func(c *gin.Context) {
				ZoomPointer(c, s.Sessions)
			})
			device.POST("/zoom/slide", func(c *gin.Context) {
				ZoomSlide(c, s.Sessions)
			})
			device.POST("/zoom/reset", func(c *gin.Context) {
				ZoomReset(c, s.Sessions)
			})
		}

		schedules := device.Group("/schedules")
		{
			schedules.GET("", func(c *gin.Context) {
				GetSchedules(c, s.Schedules)
			})
			schedules.GET("/new", func(c *gin.Context) {
				NewScheduleForm(c, s.Schedules)
			})
			schedules.POST("", func(c *gin.Context) {
				CreateSchedule(c, s.Schedules)
			})
			schedules.POST("/preview", func(c *gin.Context) {
				PreviewSchedule(c, s.Schedules)
			})
			schedules.GET("/:sid", func(c *gin.Context) {
				EditScheduleForm(c, s.Schedules)
			})
			schedules.PUT("/:sid", func(c *gin.Context) {
				UpdateSchedule(c, s.Schedules)
			})
			schedules.POST("/:sid/toggle", func(c *gin.Context) {
				ToggleSchedule(c, s.Schedules)
			})
			schedules.DELETE("/:sid", func(c *gin.Context) {
				DeleteSchedule(c, s.Schedules)
			})
		}
	}

	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(s.Hub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestLogger logs one line per request.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := log.Debug()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTP request")
	}
}
