package silverline

import (
	runtimepkg "github.com/drblury/silverline/internal/runtime"
	configpkg "github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/internal/runtime/control"
	"github.com/drblury/silverline/internal/runtime/envelope"
	errspkg "github.com/drblury/silverline/internal/runtime/errors"
	idspkg "github.com/drblury/silverline/internal/runtime/ids"
	jsoncodec "github.com/drblury/silverline/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/silverline/internal/runtime/logging"
	metricspkg "github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/internal/runtime/orchestrator"
	"github.com/drblury/silverline/internal/runtime/profiler"
	"github.com/drblury/silverline/internal/runtime/traffic"
	transportpkg "github.com/drblury/silverline/internal/runtime/transport"
	newtransport "github.com/drblury/silverline/transport"
)

type (
	Config              = configpkg.Config
	Runtime             = runtimepkg.Runtime
	RuntimeDependencies = runtimepkg.RuntimeDependencies
	Client              = runtimepkg.Client
	ClientDependencies  = runtimepkg.ClientDependencies
	ControlHandler      = runtimepkg.ControlHandler
	ProfileHandler      = runtimepkg.ProfileHandler
	TransportFactory    = transportpkg.Factory
	Metrics             = metricspkg.Metrics
	ModuleStats         = metricspkg.ModuleStats

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	// Control plane
	ModuleSpec = control.ModuleSpec
	Placement  = control.Placement
	Envelope   = envelope.Envelope
	ModuleData = envelope.Module
	ObjectRef  = envelope.Ref

	// Orchestrator directory
	Directory        = orchestrator.Directory
	RuntimeInfo      = orchestrator.Runtime
	ModuleInfo       = orchestrator.Module
	RESTDirectory    = orchestrator.RESTDirectory
	DirectoryOption  = orchestrator.Option
	ProfileMode      = profiler.Mode
	ProfileTarget    = profiler.Target
	ProfileOptions   = profiler.Options
	ProfileReport    = profiler.Report
	ProfileProgress  = profiler.Progress
	TrafficGenerator = traffic.Generator

	// Typed errors
	ProtocolError            = errspkg.ProtocolError
	RegistrationTimeoutError = errspkg.RegistrationTimeoutError
	UnknownTargetError       = errspkg.UnknownTargetError
	JoinTimeoutError         = errspkg.JoinTimeoutError

	// Modular transport types
	Broker                = newtransport.Broker
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewRuntime     = runtimepkg.NewRuntime
	NewClient      = runtimepkg.NewClient
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	NewMetrics     = metricspkg.New
	MetricsHandler = metricspkg.Handler

	NewRESTDirectory    = orchestrator.NewRESTDirectory
	WithDirectoryLogger = orchestrator.WithLogger
	InferRuntimes       = orchestrator.InferRuntimes
	InferModules        = orchestrator.InferModules

	ParseProfileMode      = profiler.ParseMode
	DefaultProfileOptions = profiler.DefaultOptions

	NewTrafficGenerator = traffic.NewDefault

	DefaultTransportFactory  = transportpkg.DefaultFactory
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	ErrBrokerRequired     = errspkg.ErrBrokerRequired
	ErrTopicRequired      = errspkg.ErrTopicRequired
	ErrTopicInUse         = errspkg.ErrTopicInUse
	ErrChannelClosed      = errspkg.ErrChannelClosed
	ErrNotConnected       = errspkg.ErrNotConnected
	ErrAlreadyConnected   = errspkg.ErrAlreadyConnected
	ErrConnectionLost     = errspkg.ErrConnectionLost
	ErrNoRoute            = errspkg.ErrNoRoute
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrInvalidUtilization = errspkg.ErrInvalidUtilization
	ErrInvalidFileType    = errspkg.ErrInvalidFileType
	ErrInvalidAlpha       = errspkg.ErrInvalidAlpha
	ErrUnknownMode        = errspkg.ErrUnknownMode
	ErrEchoTimeout        = errspkg.ErrEchoTimeout

	IsProtocolError = errspkg.IsProtocolError
	IsJoinTimeout   = errspkg.IsJoinTimeout

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.NopLogger
	ParseVerbosity       = loggingpkg.ParseVerbosity

	NewObjectID = idspkg.NewObjectID
	ShortID     = idspkg.ShortID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ParseEnvelope = envelope.Parse
)

// Envelope actions and type tags.
const (
	ActionCreate = envelope.ActionCreate
	ActionDelete = envelope.ActionDelete
	ActionReset  = envelope.ActionReset
	ActionEcho   = envelope.ActionEcho
	TypeRequest  = envelope.TypeRequest
	TypeResponse = envelope.TypeResponse
)

// Profiling modes.
const (
	ModeRun     = profiler.ModeRun
	ModeActive  = profiler.ModeActive
	ModeTimed   = profiler.ModeTimed
	ModePassive = profiler.ModePassive
)

// Module defaults and file types.
const (
	FileTypeWASM        = control.FileTypeWASM
	FileTypePython      = control.FileTypePython
	DefaultModuleName   = control.DefaultModuleName
	DefaultModulePath   = control.DefaultModulePath
	DefaultModulePeriod = control.DefaultPeriod
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
