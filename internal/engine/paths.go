package engine

import "github.com/resident-x/go-rvc/internal/domain"

// Management paths registered in every namespace.
const (
	PathProductName    = "/ProductName"
	PathProductID      = "/ProductId"
	PathFirmware       = "/FirmwareVersion"
	PathDeviceInstance = "/DeviceInstance"
	PathCustomName     = "/CustomName"
	PathConnected      = "/Connected"
	PathStatus         = "/Status"
	PathProcessName    = "/Mgmt/ProcessName"
	PathProcessVersion = "/Mgmt/ProcessVersion"
	PathConnection     = "/Mgmt/Connection"
	PathType           = "/Mgmt/Type"
	PathProcessAlive   = "/Mgmt/ProcessAlive"
	PathLastUpdate     = "/Mgmt/LastUpdate"
)

// Values of the /Status path.
const (
	StatusInitializing = "initializing"
	StatusOK           = "ok"
	StatusOffline      = "offline"
)

type managementPath struct {
	path        string
	kind        domain.ValueKind
	unit        string
	description string
}

var managementPaths = []managementPath{
	{PathProductName, domain.KindText, "", "Product name"},
	{PathProductID, domain.KindEnum, "", "Product identifier"},
	{PathFirmware, domain.KindText, "", "Firmware version reported by the device"},
	{PathDeviceInstance, domain.KindEnum, "", "Device instance"},
	{PathCustomName, domain.KindText, "", "User visible name"},
	{PathConnected, domain.KindEnum, "", "1 while the bridge is running"},
	{PathStatus, domain.KindText, "", "Bridge status"},
	{PathProcessName, domain.KindText, "", "Bridge process name"},
	{PathProcessVersion, domain.KindText, "", "Bridge version"},
	{PathConnection, domain.KindText, "", "Bus connection"},
	{PathType, domain.KindText, "", "Service type"},
	{PathProcessAlive, domain.KindEnum, "", "Heartbeat counter"},
	{PathLastUpdate, domain.KindEnum, "s", "Unix time of the last decoded frame"},
}
