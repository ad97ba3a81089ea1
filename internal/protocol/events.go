package protocol

// Client to server.
const (
	EventCreateSession     = "create-session"
	EventReclaimSession    = "reclaim-session"
	EventJoinSession       = "join-session"
	EventLeaveSession      = "leave-session"
	EventKickPlayer        = "kick-player"
	EventUpdateMap         = "update-map"
	EventUpdateFog         = "update-fog"
	EventAddToken          = "add-token"
	EventMoveToken         = "move-token"
	EventUpdateToken       = "update-token"
	EventRemoveToken       = "remove-token"
	EventSaveMap           = "save-map"
	EventShowMap           = "show-map-to-players"
	EventHideMap           = "hide-map-from-players"
	EventRollDice          = "roll-dice"
	EventSendChat          = "send-chat"
	EventAddInitiative     = "add-initiative"
	EventUpdateInitiative  = "update-initiative"
	EventRemoveInitiative  = "remove-initiative"
	EventNextTurn          = "next-turn"
	EventStartCombat       = "start-combat"
	EventEndCombat         = "end-combat"
	EventSaveCharacter     = "save-character"
	EventGetCharacter      = "get-character"
	EventGetAllCharacters  = "get-all-characters"
	EventDMUpdateCharacter = "dm-update-character"
)

// Server to client.
const (
	EventPlayerJoined       = "player-joined"
	EventPlayerLeft         = "player-left"
	EventPlayerDisconnected = "player-disconnected"
	EventKicked             = "kicked"
	EventDMDisconnected     = "dm-disconnected"
	EventDMReconnected      = "dm-reconnected"
	EventSessionExpired     = "session-expired"
	EventMapUpdated         = "map-updated"
	EventTokensUpdated      = "tokens-updated"
	EventMapShown           = "map-shown"
	EventMapHidden          = "map-hidden"
	EventDiceRolled         = "dice-rolled"
	EventChatReceived       = "chat-received"
	EventInitiativeUpdated  = "initiative-updated"
	EventCombatStarted      = "combat-started"
	EventCombatEnded        = "combat-ended"
	EventCharacterUpdated   = "character-updated"
)
