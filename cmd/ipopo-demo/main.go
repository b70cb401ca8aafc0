package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/isandlaTech/ipopo-go/pkg/framework"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo/handlers/provides"
	"github.com/isandlaTech/ipopo-go/pkg/ipopo/handlers/requires"
	"github.com/isandlaTech/ipopo-go/pkg/introspect"
	"github.com/isandlaTech/ipopo-go/pkg/logger"
)

// Service specifications, the way a bundle manifest would name them.
const (
	SpecPayment      = "ecommerce.PaymentProcessor"
	SpecInventory    = "ecommerce.InventoryService"
	SpecNotification = "ecommerce.NotificationService"
	SpecOrder        = "ecommerce.OrderService"
)

type PaymentProcessor interface {
	ProcessPayment(amount float64, currency string) error
}

type InventoryService interface {
	CheckStock(productID string) (int, error)
	UpdateStock(productID string, quantity int) error
}

type NotificationService interface {
	NotifyUser(userID string, message string) error
}

type OrderService interface {
	CreateOrder(userID string, items []OrderItem) (string, error)
}

type OrderItem struct {
	ProductID string
	Quantity  int
	Price     float64
}

// --- payment component ---

type paymentProcessorComponent struct {
	apiKey string
}

func newPaymentProcessor() (interface{}, error) {
	return &paymentProcessorComponent{apiKey: "sk_test_123"}, nil
}

func (p *paymentProcessorComponent) ProcessPayment(amount float64, currency string) error {
	log := logger.Get()
	log.Infow("processing payment", "amount", amount, "currency", currency)
	time.Sleep(10 * time.Millisecond)
	return nil
}

func (p *paymentProcessorComponent) Validate() error {
	logger.Get().Info("payment processor validated")
	return nil
}

func (p *paymentProcessorComponent) Invalidate() error {
	logger.Get().Info("payment processor invalidated")
	return nil
}

// --- inventory component ---

type inventoryServiceComponent struct {
	stock map[string]int
}

func newInventoryService() (interface{}, error) {
	return &inventoryServiceComponent{stock: map[string]int{"PROD-1": 100, "PROD-2": 50}}, nil
}

func (w *inventoryServiceComponent) CheckStock(productID string) (int, error) {
	qty, ok := w.stock[productID]
	if !ok {
		return 0, fmt.Errorf("product %q not found", productID)
	}
	return qty, nil
}

func (w *inventoryServiceComponent) UpdateStock(productID string, delta int) error {
	w.stock[productID] += delta
	return nil
}

func (w *inventoryServiceComponent) Validate() error {
	logger.Get().Info("inventory service validated")
	return nil
}

// --- notification component ---

type notificationServiceComponent struct{}

func newNotificationService() (interface{}, error) {
	return &notificationServiceComponent{}, nil
}

func (n *notificationServiceComponent) NotifyUser(userID, message string) error {
	logger.Get().Infow("notifying user", "userID", userID, "message", message)
	return nil
}

// --- order component: depends on all three, and provides itself ---

type orderServiceComponent struct {
	Payment       PaymentProcessor    `ipopo:"requires"`
	Inventory     InventoryService    `ipopo:"requires"`
	Notifications NotificationService `ipopo:"requires"`
}

func newOrderService() (interface{}, error) {
	return &orderServiceComponent{}, nil
}

func (o *orderServiceComponent) CreateOrder(userID string, items []OrderItem) (string, error) {
	log := logger.Get()
	total := 0.0
	for _, item := range items {
		stock, err := o.Inventory.CheckStock(item.ProductID)
		if err != nil {
			return "", err
		}
		if stock < item.Quantity {
			return "", errors.New("insufficient stock")
		}
		total += item.Price * float64(item.Quantity)
	}

	if err := o.Payment.ProcessPayment(total, "USD"); err != nil {
		return "", err
	}
	for _, item := range items {
		if err := o.Inventory.UpdateStock(item.ProductID, -item.Quantity); err != nil {
			return "", err
		}
	}
	if err := o.Notifications.NotifyUser(userID, "order placed"); err != nil {
		log.Errorw("notification failed", "error", err)
	}

	orderID := fmt.Sprintf("ORDER-%d", time.Now().UnixNano())
	return orderID, nil
}

// eventLogger is an ipopo.Listener that narrates lifecycle transitions the
// way the teacher narrates DI container setup steps.
type eventLogger struct{}

func (eventLogger) HandleEvent(event ipopo.Event) {
	log := logger.Get()
	if event.InstanceName == "" {
		log.Infow("factory event", "kind", event.Kind.String(), "factory", event.FactoryName)
		return
	}
	log.Infow("instance event", "kind", event.Kind.String(), "factory", event.FactoryName, "instance", event.InstanceName)
}

func buildFactory(name string, provided []string, requirements map[string]ipopo.Requirement, constructor ipopo.Constructor) (*ipopo.Factory, error) {
	fc := ipopo.NewFactoryContext(name)
	if len(provided) > 0 {
		if err := fc.AddProvides(provided, ""); err != nil {
			return nil, err
		}
	}
	for field, req := range requirements {
		if err := fc.AddRequirement(field, req); err != nil {
			return nil, err
		}
	}
	if err := fc.SetCallback(ipopo.Validate, "Validate"); err != nil {
		return nil, err
	}
	sealed, err := fc.Seal()
	if err != nil {
		return nil, err
	}
	return &ipopo.Factory{Context: sealed, New: constructor}, nil
}

func main() {
	logger.Initialize(true)
	defer logger.Sync()
	log := logger.Get()

	log.Info("starting ipopo demo runtime")

	registry := framework.NewRegistry(log)
	bc := registry.NewBundleContext(framework.BundleID(1))

	svc, err := ipopo.NewService(bc, log)
	if err != nil {
		log.Fatalw("failed to start ipopo service", "error", err)
	}
	svc.AddListener(eventLogger{})

	reqFactory := &requires.Factory{BC: bc, Log: log}
	if _, err := bc.RegisterService([]string{ipopo.HandlerFactorySpec}, reqFactory, map[string]interface{}{"handler.id": reqFactory.ID()}); err != nil {
		log.Fatalw("failed to register requires handler factory", "error", err)
	}
	provFactory := &provides.Factory{BC: bc, Log: log}
	if _, err := bc.RegisterService([]string{ipopo.HandlerFactorySpec}, provFactory, map[string]interface{}{"handler.id": provFactory.ID()}); err != nil {
		log.Fatalw("failed to register provides handler factory", "error", err)
	}

	paymentFactory, err := buildFactory("ecommerce.payment.factory", []string{SpecPayment}, nil, newPaymentProcessor)
	if err != nil {
		log.Fatalw("failed to build payment factory", "error", err)
	}
	inventoryFactory, err := buildFactory("ecommerce.inventory.factory", []string{SpecInventory}, nil, newInventoryService)
	if err != nil {
		log.Fatalw("failed to build inventory factory", "error", err)
	}
	notificationFactory, err := buildFactory("ecommerce.notification.factory", []string{SpecNotification}, nil, newNotificationService)
	if err != nil {
		log.Fatalw("failed to build notification factory", "error", err)
	}
	orderFactory, err := buildFactory("ecommerce.order.factory", []string{SpecOrder}, map[string]ipopo.Requirement{
		"Payment":       {Spec: SpecPayment, Optional: false},
		"Inventory":     {Spec: SpecInventory, Optional: false},
		"Notifications": {Spec: SpecNotification, Optional: false},
	}, newOrderService)
	if err != nil {
		log.Fatalw("failed to build order factory", "error", err)
	}

	for _, factory := range []*ipopo.Factory{paymentFactory, inventoryFactory, notificationFactory, orderFactory} {
		if err := svc.RegisterFactory(bc, factory, false); err != nil {
			log.Fatalw("failed to register factory", "factory", factory.Context.Name(), "error", err)
		}
	}

	// Order is instantiated first: its handler factories are already
	// registered, so it is created at once but stays INVALID until the
	// providers that follow publish its three dependencies.
	if _, err := svc.Instantiate("ecommerce.order.factory", "order-1", nil); err != nil {
		log.Fatalw("failed to instantiate order service", "error", err)
	}
	if _, err := svc.Instantiate("ecommerce.payment.factory", "payment-1", nil); err != nil {
		log.Fatalw("failed to instantiate payment processor", "error", err)
	}
	if _, err := svc.Instantiate("ecommerce.inventory.factory", "inventory-1", nil); err != nil {
		log.Fatalw("failed to instantiate inventory service", "error", err)
	}
	if _, err := svc.Instantiate("ecommerce.notification.factory", "notification-1", nil); err != nil {
		log.Fatalw("failed to instantiate notification service", "error", err)
	}

	time.Sleep(20 * time.Millisecond) // let the actor goroutines settle bindings

	dumper := introspect.NewDumper(log)

	details, err := svc.GetInstanceDetails("order-1")
	if err != nil {
		log.Fatalw("failed to inspect order instance", "error", err)
	}
	fmt.Print(dumper.PrettyPrintInstance(details))

	if factoryDetails, err := svc.GetFactoryDetails("ecommerce.order.factory"); err == nil {
		fmt.Print(dumper.PrettyPrintFactory(factoryDetails))
	} else {
		log.Errorw("failed to inspect order factory", "error", err)
	}

	orderRef, err := bc.GetServiceReference(SpecOrder, "")
	if err != nil {
		log.Fatalw("order service not published", "error", err)
	}
	orderRaw, err := bc.GetService(orderRef)
	if err != nil {
		log.Fatalw("failed to fetch order service", "error", err)
	}
	orderService, ok := orderRaw.(OrderService)
	if !ok {
		log.Fatal("order service does not implement OrderService")
	}

	orderID, err := orderService.CreateOrder("USER-123", []OrderItem{
		{ProductID: "PROD-1", Quantity: 2, Price: 29.99},
		{ProductID: "PROD-2", Quantity: 1, Price: 49.99},
	})
	if err != nil {
		log.Errorw("order creation failed", "error", err)
	} else {
		log.Infow("order created", "orderID", orderID)
	}

	log.Info("shutting down ipopo service")
	if err := svc.Stop(); err != nil {
		log.Errorw("shutdown reported an error", "error", err)
	}

	log.Info("ipopo demo runtime complete")
}
