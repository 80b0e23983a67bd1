package deviceflow

import (
	runtimepkg "github.com/drblury/deviceflow/internal/runtime"
	configpkg "github.com/drblury/deviceflow/internal/runtime/config"
	errspkg "github.com/drblury/deviceflow/internal/runtime/errors"
	idspkg "github.com/drblury/deviceflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/deviceflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/deviceflow/internal/runtime/logging"
	"github.com/drblury/deviceflow/modules"
	"github.com/drblury/deviceflow/smartrest"
	"github.com/drblury/deviceflow/transport"
)

type (
	Config              = configpkg.Config
	ConfigStore         = configpkg.Store
	Agent               = runtimepkg.Agent
	AgentDependencies   = runtimepkg.AgentDependencies
	Dispatcher          = runtimepkg.Dispatcher
	DispatcherOptions   = runtimepkg.DispatcherOptions
	Lifecycle           = runtimepkg.Lifecycle
	LifecycleOptions    = runtimepkg.LifecycleOptions
	DeviceInfo          = runtimepkg.DeviceInfo
	DeviceCredentials   = runtimepkg.DeviceCredentials
	BootstrapOptions    = runtimepkg.BootstrapOptions
	OperationStore      = runtimepkg.OperationStore
	SessionStatus       = runtimepkg.SessionStatus
	ModuleInfo          = runtimepkg.ModuleInfo
	ModuleStats         = runtimepkg.ModuleStats
	DispatchMetrics     = runtimepkg.DispatchMetrics
	Message             = smartrest.Message
	Transport           = transport.Conn
	TransportBuilder    = transport.Builder
	TransportOptions    = transport.Options
	TransportRegistry   = transport.Registry
	TransportCapability = transport.Capabilities

	// Module contract
	ModuleEnv         = modules.Env
	ModuleConstructor = modules.Constructor
	ModuleCatalog     = modules.Catalog
	ModuleRegistry    = modules.Registry
	StartupProducer   = modules.StartupProducer
	PeriodicSampler   = modules.PeriodicSampler
	OperationHandler  = modules.OperationHandler
	Route             = modules.Route
	Router            = modules.Router
	Sender            = modules.Sender

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	LogFields = loggingpkg.LogFields
	Logger    = loggingpkg.Logger

	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewAgent       = runtimepkg.NewAgent
	NewDispatcher  = runtimepkg.NewDispatcher
	NewLifecycle   = runtimepkg.NewLifecycle
	Bootstrap      = runtimepkg.Bootstrap
	DefaultConfig  = configpkg.Default
	LoadConfig     = configpkg.Load
	NewConfigStore = configpkg.NewStore
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares       = runtimepkg.DefaultMiddlewares
	DispatchIDMiddleware     = runtimepkg.DispatchIDMiddleware
	LogInvocationsMiddleware = runtimepkg.LogInvocationsMiddleware
	TracerMiddleware         = runtimepkg.TracerMiddleware
	MetricsMiddleware        = runtimepkg.MetricsMiddleware
	StatsMiddleware          = runtimepkg.StatsMiddleware
	TimeoutMiddleware        = runtimepkg.TimeoutMiddleware
	RecovererMiddleware      = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewDispatchMetrics = runtimepkg.NewDispatchMetrics

	// Modules
	DefaultModuleCatalog = modules.DefaultCatalog
	NewModuleCatalog     = modules.NewCatalog
	RegisterModule       = modules.Register
	DiscoverModules      = modules.Discover

	// SmartREST frames
	NewMessage       = smartrest.NewMessage
	EncodeMessage    = smartrest.Encode
	DecodeMessage    = smartrest.Decode
	DecodeMessages   = smartrest.DecodeAll
	ExecutingMessage = smartrest.Executing
	FailedMessage    = smartrest.Failed
	SucceededMessage = smartrest.Successful

	// Transports. Import individual transports via
	// _ "github.com/drblury/deviceflow/transport/mqtt" or all of them via
	// transport/transports.
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	GetCapabilities          = transport.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrNotConnected       = errspkg.ErrNotConnected
	ErrAlreadyRunning     = errspkg.ErrAlreadyRunning
	ErrStopped            = errspkg.ErrStopped
	ErrInvalidTransport   = errspkg.ErrInvalidTransport
	ErrConnectionLost     = errspkg.ErrConnectionLost
	ErrCredentialsMissing = errspkg.ErrCredentialsMissing
	ErrDeviceNotFound     = errspkg.ErrDeviceNotFound
	ErrModuleRequired     = errspkg.ErrModuleRequired
	ErrNoCapability       = errspkg.ErrNoCapability
	ErrQueueFull          = errspkg.ErrQueueFull
	ErrOperationBusy      = errspkg.ErrOperationBusy

	NewSlogLogger = loggingpkg.NewSlogLogger
	NewTextLogger = loggingpkg.NewTextLogger
	DiscardLogger = loggingpkg.Discard
	ParseLogLevel = loggingpkg.ParseLevel

	NewID = idspkg.New
)

// SmartREST topics.
const (
	TopicUpstream   = smartrest.TopicUpstream
	TopicOperations = smartrest.TopicOperations
	TopicErrors     = smartrest.TopicErrors
	TopicToken      = smartrest.TopicToken
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryTimeout   = runtimepkg.ErrorCategoryTimeout
	ErrorCategoryPanic     = runtimepkg.ErrorCategoryPanic
	ErrorCategoryTransport = runtimepkg.ErrorCategoryTransport
	ErrorCategoryBusy      = runtimepkg.ErrorCategoryBusy
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)
