package state

// AgentName 智能体节点名称（封闭集合）
type AgentName string

const (
	AgentRouter              AgentName = "router"
	AgentFlight              AgentName = "flight_agent"
	AgentFlightBackup        AgentName = "flight_backup_agent"
	AgentAccommodation       AgentName = "accommodation_agent"
	AgentAccommodationBackup AgentName = "accommodation_backup_agent"
	AgentBudget              AgentName = "budget_agent"
	AgentDestination         AgentName = "destination_research_agent"
	AgentItinerary           AgentName = "itinerary_agent"
	AgentGeneral             AgentName = "general_agent"
	AgentMemoryUpdate        AgentName = "memory_update_agent"
	AgentErrorRecovery       AgentName = "error_recovery_agent"
)

// Domain 业务领域
type Domain string

const (
	DomainNone           Domain = ""
	DomainFlights        Domain = "flights"
	DomainAccommodations Domain = "accommodations"
	DomainBudget         Domain = "budget"
	DomainDestinations   Domain = "destinations"
	DomainItinerary      Domain = "itinerary"
	DomainGeneral        Domain = "general"
)

var agentDomains = map[AgentName]Domain{
	AgentRouter:              DomainNone,
	AgentFlight:              DomainFlights,
	AgentFlightBackup:        DomainFlights,
	AgentAccommodation:       DomainAccommodations,
	AgentAccommodationBackup: DomainAccommodations,
	AgentBudget:              DomainBudget,
	AgentDestination:         DomainDestinations,
	AgentItinerary:           DomainItinerary,
	AgentGeneral:             DomainGeneral,
	AgentMemoryUpdate:        DomainNone,
	AgentErrorRecovery:       DomainNone,
}

// AllAgents 按固定顺序返回全部智能体
func AllAgents() []AgentName {
	return []AgentName{
		AgentRouter,
		AgentFlight,
		AgentFlightBackup,
		AgentAccommodation,
		AgentAccommodationBackup,
		AgentBudget,
		AgentDestination,
		AgentItinerary,
		AgentGeneral,
		AgentMemoryUpdate,
		AgentErrorRecovery,
	}
}

// Valid 判断是否为已知智能体
func (a AgentName) Valid() bool {
	_, ok := agentDomains[a]
	return ok
}

func (a AgentName) String() string { return string(a) }

// Domain 返回智能体所服务的领域，非领域智能体返回 DomainNone
func (a AgentName) Domain() Domain {
	return agentDomains[a]
}

// IsDomainAgent 是否为可产出 DomainResult 的领域智能体（general 除外）
func (a AgentName) IsDomainAgent() bool {
	d := agentDomains[a]
	return d != DomainNone && d != DomainGeneral
}

// AllDomains 返回全部可写领域
func AllDomains() []Domain {
	return []Domain{
		DomainFlights,
		DomainAccommodations,
		DomainBudget,
		DomainDestinations,
		DomainItinerary,
		DomainGeneral,
	}
}

// Valid 判断是否为已知领域
func (d Domain) Valid() bool {
	for _, known := range AllDomains() {
		if d == known {
			return true
		}
	}
	return false
}

// Role 消息角色
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageKind 消息类别，空值表示普通消息
type MessageKind string

const (
	KindNormal        MessageKind = ""
	KindTurnCancelled MessageKind = "turn_cancelled"
	KindError         MessageKind = "error"
	KindApology       MessageKind = "apology"
	KindReprompt      MessageKind = "reprompt"
	KindSummary       MessageKind = "summary"
)
