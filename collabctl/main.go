package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"stepcast.com/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultApiUrl = "http://localhost:8090"
const DefaultWsUrl = "ws://localhost:8090/ws"

const sendAckTimeout = 30 * time.Second

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collab control.

The default urls are:
    api_url: %s
    ws_url: %s

Usage:
    collabctl serve [--port=<port>]
        [--room_password=<room_password>...]
        [--invite_secret=<invite_secret>]
        [--admin_token=<admin_token>]
        [--default_role=<default_role>]
    collabctl join [--ws_url=<ws_url>] --room=<room> --name=<name>
        [--password=<password> | --ask_password]
        [--invite=<invite>]
        [--color=<color>]
    collabctl send [--ws_url=<ws_url>] --room=<room> --name=<name>
        [--password=<password> | --ask_password]
        [--invite=<invite>]
        <message>
    collabctl invite [--api_url=<api_url>] --room=<room>
        [--role=<role>]
        [--ttl=<ttl>]
        [--admin_token=<admin_token>]
    collabctl status [--api_url=<api_url>] [--room=<room>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    -p --port=<port>                   Listen port [default: 8090].
    --room_password=<room_password>    room:password pair. Repeatable.
    --invite_secret=<invite_secret>    Secret for minting and checking invite tokens.
    --admin_token=<admin_token>        Bearer token that guards invite minting.
    --default_role=<default_role>      Role for joiners without an invite [default: editor].
    --room=<room>                      Room id.
    --name=<name>                      Display name.
    --password=<password>              Room password.
    --ask_password                     Prompt for the room password.
    --invite=<invite>                  Invite token.
    --color=<color>                    Cursor color, any css color string.
    --role=<role>                      Role carried by the invite [default: editor].
    --ttl=<ttl>                        Invite lifetime in seconds [default: 3600].`,
		DefaultApiUrl,
		DefaultWsUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if invite_, _ := opts.Bool("invite"); invite_ {
		invite(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	settings := collab.DefaultRoomServerSettings()
	if list, ok := opts["--room_password"].([]string); ok {
		for _, entry := range list {
			room, password, ok := strings.Cut(entry, ":")
			if !ok {
				Err.Printf("Invalid room_password %q, expected room:password.", entry)
				os.Exit(1)
			}
			settings.RoomPasswords[room] = password
		}
	}
	if inviteSecretAny := opts["--invite_secret"]; inviteSecretAny != nil {
		settings.InviteSecret = inviteSecretAny.(string)
	}
	if adminTokenAny := opts["--admin_token"]; adminTokenAny != nil {
		settings.AdminToken = adminTokenAny.(string)
	}
	if defaultRoleAny := opts["--default_role"]; defaultRoleAny != nil {
		role := collab.Role(defaultRoleAny.(string))
		if !role.Valid() {
			Err.Printf("Unknown role %q.", defaultRoleAny)
			os.Exit(1)
		}
		settings.DefaultRole = role
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onSignals(cancel)

	server := collab.NewRoomServer(cancelCtx, settings)
	defer server.Close()

	Out.Printf("collab server %s on *:%d", CollabCtlVersion, port)
	if err := server.ListenAndServe(fmt.Sprintf(":%d", port)); err != nil {
		Err.Printf("serve error: %s", err)
		os.Exit(1)
	}
}

func join(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onSignals(cancel)

	collaborator := connectRoom(cancelCtx, opts, &collab.CollaboratorHandlers{
		OnStatusChanged: func(status collab.ConnectionStatus, err error) {
			if err != nil {
				Out.Printf("* %s (%s)", status, err)
			} else {
				Out.Printf("* %s", status)
			}
		},
		OnUserJoined: func(user *collab.User) {
			Out.Printf("* %s joined", user.DisplayName)
		},
		OnUserLeft: func(userId collab.Id) {
			Out.Printf("* %s left", userId)
		},
		OnChatMessage: func(message *collab.ChatMessage) {
			if len(message.Attachments) == 0 {
				Out.Printf("<%s> %s", message.UserName, message.Content)
			} else {
				Out.Printf("<%s> %s (%d files)", message.UserName, message.Content, len(message.Attachments))
			}
		},
		OnCommentsChanged: func(stepId string) {
			Out.Printf("* comments changed on %s", stepId)
		},
		OnLockChanged: func(resourceId string, lock *collab.LockInfo) {
			if lock != nil {
				Out.Printf("* %s locked by %s", resourceId, lock.OwnerId)
			} else {
				Out.Printf("* %s unlocked", resourceId)
			}
		},
		OnRoleChanged: func(userId collab.Id, role collab.Role) {
			Out.Printf("* %s is now %s", userId, role)
		},
		OnKicked: func(reason string) {
			Out.Printf("* kicked: %s", reason)
		},
		OnError: func(err error) {
			Err.Printf("%s", err)
		},
	})
	defer collaborator.Close()

	room := collaborator.Room()
	you := collaborator.CurrentUser()
	Out.Printf("joined %s as %s (%s). type to chat, ctrl-d to leave.", room.RoomId, you.DisplayName, you.Role)

	go func() {
		defer cancel()

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !collaborator.SendChatMessage(line) {
				Err.Printf("Message not sent.")
			}
		}
	}()

	select {
	case <-cancelCtx.Done():
	}
}

func send(opts docopt.Opts) {
	messageContent, _ := opts.String("<message>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onSignals(cancel)

	collaborator := connectRoom(cancelCtx, opts, nil)
	defer collaborator.Close()

	you := collaborator.CurrentUser()

	ack := make(chan struct{}, 1)
	removeCallback := collaborator.AddEventCallback(func(event any) {
		if message, ok := event.(*collab.ChatMessage); ok {
			if message.UserId == you.UserId && message.Content == messageContent {
				select {
				case ack <- struct{}{}:
				default:
				}
			}
		}
	})
	defer removeCallback()

	if !collaborator.SendChatMessage(messageContent) {
		fmt.Printf("Message not sent.\n")
		os.Exit(1)
	}

	select {
	case <-ack:
		fmt.Printf("Message acked.\n")
	case <-time.After(sendAckTimeout):
		fmt.Printf("Message not acked (timeout).\n")
		os.Exit(1)
	case <-cancelCtx.Done():
	}
}

func invite(opts docopt.Opts) {
	room, _ := opts.String("--room")
	role, _ := opts.String("--role")
	ttl, _ := opts.Int("--ttl")

	var apiUrl string
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else {
		apiUrl = DefaultApiUrl
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	onSignals(cancel)

	api := collab.NewCollabApiWithContext(cancelCtx, apiUrl)
	if adminTokenAny := opts["--admin_token"]; adminTokenAny != nil {
		api.SetAuthToken(adminTokenAny.(string))
	}

	createCallback, createChannel := collab.NewBlockingApiCallback[*collab.CreateInviteResult]()

	createArgs := &collab.CreateInviteArgs{
		RoomId:     room,
		Role:       collab.Role(role),
		TtlSeconds: ttl,
	}

	api.CreateInvite(createArgs, createCallback)

	var createResult collab.ApiCallbackResult[*collab.CreateInviteResult]
	select {
	case <-cancelCtx.Done():
		os.Exit(0)
	case createResult = <-createChannel:
	}

	if createResult.Error != nil {
		panic(createResult.Error)
	}
	if createResult.Result.Error != nil {
		panic(fmt.Errorf("%s", createResult.Result.Error.Message))
	}

	Out.Printf("%s", createResult.Result.InviteToken)
}

func status(opts docopt.Opts) {
	var apiUrl string
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		apiUrl = apiUrlAny.(string)
	} else {
		apiUrl = DefaultApiUrl
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := collab.NewCollabApiWithContext(cancelCtx, apiUrl)

	var result any
	if roomAny := opts["--room"]; roomAny != nil {
		roomStatus, err := api.RoomStatusSync(roomAny.(string))
		if err != nil {
			Err.Printf("%s", err)
			os.Exit(1)
		}
		result = roomStatus
	} else {
		serverStatus, err := api.ServerStatusSync()
		if err != nil {
			Err.Printf("%s", err)
			os.Exit(1)
		}
		result = serverStatus
	}

	resultJson, err := json.MarshalIndent(result, "", "    ")
	if err != nil {
		panic(err)
	}
	Out.Printf("%s", resultJson)
}

// dials the room from the shared join flags and exits the process when
// the join fails
func connectRoom(
	ctx context.Context,
	opts docopt.Opts,
	handlers *collab.CollaboratorHandlers,
) *collab.Collaborator {
	room, _ := opts.String("--room")
	name, _ := opts.String("--name")

	var wsUrl string
	if wsUrlAny := opts["--ws_url"]; wsUrlAny != nil {
		wsUrl = wsUrlAny.(string)
	} else {
		wsUrl = DefaultWsUrl
	}

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else if askPassword_, _ := opts.Bool("--ask_password"); askPassword_ {
		fmt.Print("Enter room password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
		fmt.Printf("\n")
	}

	var inviteToken string
	if inviteAny := opts["--invite"]; inviteAny != nil {
		inviteToken = inviteAny.(string)
	}

	var color string
	if colorAny := opts["--color"]; colorAny != nil {
		color = colorAny.(string)
	}

	options := &collab.CollaboratorOptions{
		Url:    fmt.Sprintf("%s/%s", wsUrl, room),
		RoomId: room,
		User: &collab.User{
			UserId:      collab.NewId(),
			DisplayName: name,
			Color:       color,
		},
		Password:    password,
		InviteToken: inviteToken,
		Handlers:    handlers,
	}

	collaborator := collab.NewCollaboratorWithDefaults(ctx, options)
	if err := collaborator.Connect(ctx); err != nil {
		collaborator.Close()
		Err.Printf("join failed: %s", err)
		os.Exit(1)
	}
	return collaborator
}

func onSignals(cancel context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
	}()
}
