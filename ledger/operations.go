package ledger

import "github.com/eljojo/dchat/types"

// Contract operation names, exactly as the contract exposes them.
const (
	OpCreateUser           = "createUser"
	OpAddFriend            = "addFriend"
	OpAddFriendByUsername  = "addFriendByUsername"
	OpCreateGroup          = "createGroup"
	OpSendMessageText      = "sendMessageText"
	OpSendMessageIPFS      = "sendMessageIPFS"
	OpSendGroupTextMessage = "sendGroupTextMessage"
	OpSendGroupIPFSMessage = "sendGroupIPFSMessage"
)

// Read-only call names.
const (
	CallGetUser         = "getUser"
	CallGetFriendList   = "getFriendList"
	CallGetUserGroups   = "getUserGroups"
	CallGetGroupDetails = "getGroupDetails"
)

// Operation is one state-changing contract call. Only the fields used by Op
// are set; the constructors below are the supported way to build one.
type Operation struct {
	Op        string          `json:"op"`
	Name      string          `json:"name,omitempty"`
	Peer      types.Address   `json:"peer,omitempty"`
	Group     types.GroupID   `json:"group_id,omitempty"`
	Members   []types.Address `json:"members,omitempty"`
	Text      string          `json:"text,omitempty"`
	ContentID string          `json:"content_id,omitempty"`
	FileName  string          `json:"file_name,omitempty"`
}

func CreateUser(name string) Operation {
	return Operation{Op: OpCreateUser, Name: name}
}

func AddFriend(friend types.Address) Operation {
	return Operation{Op: OpAddFriend, Peer: friend}
}

func AddFriendByUsername(name string) Operation {
	return Operation{Op: OpAddFriendByUsername, Name: name}
}

func CreateGroup(name string, members []types.Address) Operation {
	return Operation{Op: OpCreateGroup, Name: name, Members: members}
}

func SendMessageText(peer types.Address, text string) Operation {
	return Operation{Op: OpSendMessageText, Peer: peer, Text: text}
}

func SendMessageIPFS(peer types.Address, contentID, fileName string) Operation {
	return Operation{Op: OpSendMessageIPFS, Peer: peer, ContentID: contentID, FileName: fileName}
}

func SendGroupTextMessage(group types.GroupID, text string) Operation {
	return Operation{Op: OpSendGroupTextMessage, Group: group, Text: text}
}

func SendGroupIPFSMessage(group types.GroupID, contentID, fileName string) Operation {
	return Operation{Op: OpSendGroupIPFSMessage, Group: group, ContentID: contentID, FileName: fileName}
}
