package gateway

import (
	"context"
	"log"

	"github.com/bwmarrin/discordgo"
)

const discordName = "discord"

type DiscordGateway struct {
	Session *discordgo.Session
	Router  *Router
}

func NewDiscordGateway(token string, router *Router) (*DiscordGateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordGateway{
		Session: s,
		Router:  router,
	}, nil
}

func (d *DiscordGateway) Start() error {
	d.Session.AddHandler(d.onMessage)
	if err := d.Session.Open(); err != nil {
		return err
	}
	log.Printf("Authorized on discord as %s", d.Session.State.User.Username)
	return nil
}

func (d *DiscordGateway) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}

	log.Printf("[%s] %s", m.Author.Username, m.Content)

	reply := d.Router.Handle(context.Background(), UserID(discordName, m.ChannelID), m.Content)
	if reply == "" {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
		log.Printf("Error sending discord reply: %v", err)
	}
}

func (d *DiscordGateway) Send(chatID string, text string) error {
	_, err := d.Session.ChannelMessageSend(chatID, text)
	return err
}

func (d *DiscordGateway) Stop() error {
	return d.Session.Close()
}
