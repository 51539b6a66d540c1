package domain

type RoomName string

const DefaultRoom RoomName = "main"

type Room struct {
	Name RoomName
}
